package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"covidifannotations/internal/models"
	"covidifannotations/pkg/labelsync"
)

// Palette maps overlay values to colors. Entries 0-3 are the label colors,
// the last entry is used for the background display value.
type Palette []color.NRGBA

// ParsePalette converts hex colors into a palette. An empty entry is transparent.
func ParsePalette(hex []string) (Palette, error) {
	palette := make(Palette, len(hex))
	for i, h := range hex {
		if h == "" {
			continue
		}
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, fmt.Errorf("invalid palette color %q: %w", h, err)
		}
		r, g, b := c.RGB255()
		palette[i] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return palette, nil
}

// Color returns the color of an overlay value, transparent if out of range
func (p Palette) Color(value int32) color.NRGBA {
	if value < 0 || int(value) >= len(p) {
		return color.NRGBA{}
	}
	return p[value]
}

// PointColors returns the face color of every point marker
func (p Palette) PointColors(labels []models.Label) []color.NRGBA {
	colors := make([]color.NRGBA, len(labels))
	for i, l := range labels {
		colors[i] = p.Color(int32(l))
	}
	return colors
}

// Viewer renders the annotation state of one image: the raw composite with the
// cell outlines and point markers on top. Volumes are rendered plane by plane
// along their first axis. Outlines are expected to be derived with background
// remapping, so that the palette's last entry covers everything off the outlines.
type Viewer struct {
	// raw is the RGB composite with the channel axis last, may be nil
	raw *models.Array

	// overlays are the current centroids and edge mask
	overlays *labelsync.Overlays

	palette Palette

	// pointSize is the marker diameter in pixels
	pointSize float64

	// dimensions of a plane and the number of planes
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer for the given composite and overlays
func NewViewer(raw *models.Array, overlays *labelsync.Overlays, palette Palette, pointSize float64) (*Viewer, error) {
	shape := overlays.Edges.Shape
	v := &Viewer{
		raw:       raw,
		overlays:  overlays,
		palette:   palette,
		pointSize: pointSize,
		depth:     1,
	}

	switch len(shape) {
	case 2:
		v.height, v.width = shape[0], shape[1]
	case 3:
		v.depth, v.height, v.width = shape[0], shape[1], shape[2]
	default:
		return nil, fmt.Errorf("cannot render %d-dimensional overlays", len(shape))
	}

	if raw != nil && len(raw.Data) != 3*len(overlays.Edges.Data) {
		return nil, fmt.Errorf("composite shape %v does not match overlay shape %v", raw.Shape, shape)
	}
	return v, nil
}

// Depth returns the number of planes
func (v *Viewer) Depth() int {
	return v.depth
}

// RenderPlane draws the composite, outlines and markers of one plane
func (v *Viewer) RenderPlane(z int) (*image.NRGBA, error) {
	if z < 0 || z >= v.depth {
		return nil, fmt.Errorf("plane %d exceeds depth %d", z, v.depth)
	}

	base := v.renderComposite(z)
	outlines := v.renderEdges(z)
	img := imaging.Overlay(base, outlines, image.Pt(0, 0), 1.0)
	v.drawPoints(img, z)
	return img, nil
}

func (v *Viewer) renderComposite(z int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, v.width, v.height))
	if v.raw == nil {
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i+3] = 255
		}
		return img
	}

	offset := z * v.width * v.height
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			idx := 3 * (offset + y*v.width + x)
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(v.raw.Data[idx]),
				G: toByte(v.raw.Data[idx+1]),
				B: toByte(v.raw.Data[idx+2]),
				A: 255,
			})
		}
	}
	return img
}

func (v *Viewer) renderEdges(z int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, v.width, v.height))
	offset := z * v.width * v.height
	edges := v.overlays.Edges.Data
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			img.SetNRGBA(x, y, v.palette.Color(edges[offset+y*v.width+x]))
		}
	}
	return img
}

func (v *Viewer) drawPoints(img *image.NRGBA, z int) {
	radius := v.pointSize / 2
	colors := v.palette.PointColors(v.overlays.PointLabels)
	for i, p := range v.overlays.Centroids {
		var cy, cx float64
		if len(p) == 3 {
			if int(math.Round(p[0])) != z {
				continue
			}
			cy, cx = p[1], p[2]
		} else {
			cy, cx = p[0], p[1]
		}

		fill := colors[i]
		fill.A = 255
		for y := int(cy - radius); y <= int(cy+radius); y++ {
			for x := int(cx - radius); x <= int(cx+radius); x++ {
				dy, dx := float64(y)-cy, float64(x)-cx
				if dy*dy+dx*dx > radius*radius || !(image.Point{X: x, Y: y}).In(img.Bounds()) {
					continue
				}
				img.SetNRGBA(x, y, fill)
			}
		}
	}
}

func toByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v*255))))
}

// SavePreview renders the middle plane and saves it as an image. The format
// follows the file extension.
func (v *Viewer) SavePreview(filename string) error {
	img, err := v.RenderPlane(v.depth / 2)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return saveImage(img, filename)
}

// saveImage writes lossless WebP for .webp files and defers to imaging otherwise
func saveImage(img image.Image, filename string) error {
	if strings.ToLower(filepath.Ext(filename)) != ".webp" {
		return imaging.Save(img, filename)
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return webp.Encode(f, img, &webp.Options{Lossless: true})
}

// SaveSliceSequence renders every plane and saves them as PNG files
func (v *Viewer) SaveSliceSequence(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for z := 0; z < v.depth; z++ {
		img, err := v.RenderPlane(z)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.png", z))
		if err := imaging.Save(img, filename); err != nil {
			return err
		}
	}

	return nil
}
