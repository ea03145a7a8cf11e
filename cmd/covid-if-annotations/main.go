package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"covidifannotations/internal/models"
	"covidifannotations/pkg/composite"
	"covidifannotations/pkg/config"
	"covidifannotations/pkg/session"
	"covidifannotations/pkg/store"
	"covidifannotations/pkg/visualization"
)

func main() {
	// Parse command line arguments
	path := flag.String("path", "", "HDF5 file with raw channels and cell segmentation")
	saturationFactor := flag.Float64("saturation-factor", 0, "Saturation boost of the raw composite (default from config)")
	edgeWidth := flag.Int("edge-width", 0, "Width of the cell outlines in pixels (default from config)")
	configPath := flag.String("config", "", "YAML configuration file")
	annotations := flag.String("annotations", "", "Existing annotation file to proofread")
	previewDir := flag.String("preview", "", "Directory to save previews of the overlays")
	checkDir := flag.String("check", "", "Check a directory of uploaded annotation files and exit")
	partial := flag.Bool("partial", false, "Save as partial annotations on quit")
	script := flag.String("script", "", "File with commands to run instead of stdin")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *saturationFactor > 0 {
		cfg.Annotation.SaturationFactor = *saturationFactor
	}
	if *edgeWidth > 0 {
		cfg.Annotation.EdgeWidth = *edgeWidth
	}
	if *previewDir != "" {
		cfg.Output.PreviewDir = *previewDir
	}
	progress := newProgressLogger(cfg.Output.Verbose)

	if *checkDir != "" {
		if err := checkUploads(*checkDir); err != nil {
			log.Fatalf("Check failed: %v", err)
		}
		return
	}

	if *path == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("COVID IF CELL ANNOTATION")
	fmt.Println("================================")

	s := store.New(cfg.StoreParams())
	sess, err := session.Open(s, *path, *annotations, session.Options{
		EdgeWidth:       cfg.Annotation.EdgeWidth,
		PointSize:       cfg.Annotation.PointSize,
		BackgroundValue: cfg.Annotation.BackgroundValue,
		Progress:        progress,
	})
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *path, err)
	}
	fmt.Printf("Loaded %d cells from %s\n", len(sess.SegmentIDs())-1, *path)

	palette, err := visualization.ParsePalette(cfg.Annotation.Palette)
	if err != nil {
		log.Fatalf("Invalid palette: %v", err)
	}

	var raw *models.Array
	if cfg.Output.PreviewDir != "" {
		raw = loadComposite(s, *path, sess.Segmentation(), cfg.Annotation.SaturationFactor)
		savePreview(sess, raw, palette, cfg, progress)
	}

	in := os.Stdin
	if *script != "" {
		f, err := os.Open(*script)
		if err != nil {
			log.Fatalf("Failed to open script: %v", err)
		}
		defer f.Close()
		in = f
	}

	if err := run(sess, in, func(cmd string) {
		if cfg.Output.PreviewDir != "" && (cmd == "update" || cmd == "u" || cmd == "hide" || cmd == "h") {
			savePreview(sess, raw, palette, cfg, progress)
		}
	}); err != nil {
		log.Fatalf("Session failed: %v", err)
	}

	if sess.State() == session.Editing {
		out, err := sess.Save(*partial)
		if err != nil {
			log.Fatalf("Failed to save annotations: %v", err)
		}
		fmt.Printf("Annotations saved to: %s\n", out)
	}
}

// run reads commands line by line until quit or end of input
func run(sess *session.Session, in io.Reader, after func(cmd string)) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msg, err := sess.Dispatch(line)
		if errors.Is(err, session.ErrQuit) {
			return nil
		}
		if err != nil {
			log.Printf("Warning: %s: %v", line, err)
			continue
		}
		if msg != "" {
			fmt.Println(msg)
		}
		after(strings.Fields(line)[0])
	}
	return scanner.Err()
}

func loadComposite(s *store.Store, path string, seg *models.Segmentation, saturationFactor float64) *models.Array {
	channels, err := composite.Load(s, path)
	if err != nil {
		log.Printf("Warning: no raw channels for previews: %v", err)
		return nil
	}
	raw, err := composite.Build(channels, seg, saturationFactor)
	if err != nil {
		log.Printf("Warning: failed to build composite: %v", err)
		return nil
	}
	return raw
}

// newProgressLogger returns the logger for progress messages. Warnings and
// fatal errors use the standard logger and are never silenced.
func newProgressLogger(verbose bool) *log.Logger {
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func savePreview(sess *session.Session, raw *models.Array, palette visualization.Palette, cfg *config.Config, progress *log.Logger) {
	viewer, err := visualization.NewViewer(raw, sess.Overlays(), palette, cfg.Annotation.PointSize)
	if err != nil {
		log.Printf("Warning: failed to create viewer: %v", err)
		return
	}

	dir := cfg.Output.PreviewDir
	if viewer.Depth() > 1 {
		err = viewer.SaveSliceSequence(filepath.Join(dir, "slices"))
	} else {
		err = viewer.SavePreview(filepath.Join(dir, "preview."+cfg.Output.PreviewFormat))
	}
	if err != nil {
		log.Printf("Warning: failed to save preview: %v", err)
		return
	}
	progress.Printf("Preview saved to %s", dir)
}

func checkUploads(dir string) error {
	report, err := store.CheckUploads(dir)
	if err != nil {
		return err
	}

	fmt.Printf("Found %d annotation files in %s\n", len(report.Annotations), dir)
	for _, orphan := range report.Orphans {
		fmt.Printf("- missing original input for %s\n", orphan)
	}
	if len(report.Orphans) > 0 {
		return fmt.Errorf("%d annotation files without input", len(report.Orphans))
	}
	fmt.Println("All annotation files have their input")
	return nil
}
