package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"covidifannotations/internal/models"
)

const (
	// SegmentationKey is the image entry holding the cell segmentation
	SegmentationKey = "cell_segmentation"

	// LabelTable is the table holding one infected label per segment ID
	LabelTable = "infected_cell_labels"

	annotationSuffix        = "_annotations.h5"
	partialAnnotationSuffix = "_partial_annotations.h5"
)

// LabelColumns are the column names of the label table
var LabelColumns = []string{"label_id", "infected_label"}

// ErrInvalidTable is returned when a label table does not have the expected layout
var ErrInvalidTable = errors.New("invalid label table")

// AnnotationPath returns where the annotations of an input file are written.
// X.h5 becomes X_annotations.h5, or X_partial_annotations.h5 for partial
// annotations. Upload matching relies on these names.
func AnnotationPath(input string, partial bool) string {
	suffix := annotationSuffix
	if partial {
		suffix = partialAnnotationSuffix
	}
	return strings.Replace(input, ".h5", suffix, 1)
}

// OriginalPath returns the input file an annotation file belongs to, and
// false if the name does not follow the annotation naming convention
func OriginalPath(annotation string) (string, bool) {
	for _, suffix := range []string{partialAnnotationSuffix, annotationSuffix} {
		if strings.HasSuffix(annotation, suffix) {
			return strings.TrimSuffix(annotation, suffix) + ".h5", true
		}
	}
	return "", false
}

// UploadReport pairs annotation files with the inputs they were made from
type UploadReport struct {
	// Annotations are the annotation files found, sorted by name
	Annotations []string

	// Orphans are annotation files without their original input
	Orphans []string
}

// CheckUploads lists the annotation files in dir and reports the ones whose
// original input file is missing
func CheckUploads(dir string) (*UploadReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	files := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".h5") {
			files[e.Name()] = true
		}
	}

	report := &UploadReport{}
	for name := range files {
		original, ok := OriginalPath(name)
		if !ok {
			continue
		}
		report.Annotations = append(report.Annotations, filepath.Join(dir, name))
		if !files[original] {
			report.Orphans = append(report.Orphans, filepath.Join(dir, name))
		}
	}
	sort.Strings(report.Annotations)
	sort.Strings(report.Orphans)
	return report, nil
}

// ReadLabels reads the label table of a file. The first column holds segment
// IDs and the second their labels, one row per ID including background.
func (s *Store) ReadLabels(name string) ([]uint32, []models.Label, error) {
	t, err := s.ReadTable(name, LabelTable)
	if err != nil {
		return nil, nil, err
	}
	if len(t.Columns) != 2 {
		return nil, nil, fmt.Errorf("%w: expected 2 columns, got %d", ErrInvalidTable, len(t.Columns))
	}

	ids := make([]uint32, len(t.Rows))
	labels := make([]models.Label, len(t.Rows))
	for i, row := range t.Rows {
		id, err := integral(row[0])
		if err != nil || id < 0 || id > math.MaxUint32 {
			return nil, nil, fmt.Errorf("%w: row %d has segment ID %q", ErrInvalidTable, i, row[0].Text())
		}
		label, err := integral(row[1])
		if err != nil || label < math.MinInt32 || label > math.MaxInt32 {
			return nil, nil, fmt.Errorf("%w: row %d has label %q", ErrInvalidTable, i, row[1].Text())
		}
		ids[i] = uint32(id)
		labels[i] = models.Label(label)
	}
	return ids, labels, nil
}

func integral(v Value) (int64, error) {
	switch v.Kind {
	case KindInt:
		return v.Int, nil
	case KindFloat:
		if v.Float == math.Trunc(v.Float) && !math.IsInf(v.Float, 0) {
			return int64(v.Float), nil
		}
	}
	return 0, fmt.Errorf("%q is not an integer", v.Text())
}

// WriteAnnotations stores the segmentation and its label table in one file.
// Both are replaced if they already exist with a different shape.
func (s *Store) WriteAnnotations(name string, seg *models.Segmentation, ids []uint32, labels []models.Label) error {
	if len(ids) != len(labels) {
		return fmt.Errorf("%w: %d segment IDs, %d labels", ErrInvalidTable, len(ids), len(labels))
	}

	if err := s.WriteSegmentation(name, SegmentationKey, seg, true); err != nil {
		return err
	}

	t := &Table{Columns: LabelColumns, Rows: make([][]Value, len(ids))}
	for i, id := range ids {
		t.Rows[i] = []Value{Int(int64(id)), Int(int64(labels[i]))}
	}
	return s.WriteTable(name, LabelTable, t, WithForceWrite())
}
