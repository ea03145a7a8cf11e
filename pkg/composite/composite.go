// Package composite builds the RGB display image of the raw immunofluorescence
// channels: virus marker in red, serum IgG in green and nuclei in blue.
package composite

import (
	"fmt"
	"math"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/floats"

	"covidifannotations/internal/models"
	"covidifannotations/pkg/store"
)

// Channel keys of the raw data in the input files
const (
	SerumKey  = "serum_IgG"
	MarkerKey = "marker"
	NucleiKey = "nuclei"
)

// Channels are the raw images the composite is built from
type Channels struct {
	Serum  *models.Array
	Marker *models.Array
	Nuclei *models.Array
}

// Load reads the three raw channels from an input file
func Load(s *store.Store, name string) (*Channels, error) {
	var ch Channels
	for _, c := range []struct {
		key string
		dst **models.Array
	}{
		{SerumKey, &ch.Serum},
		{MarkerKey, &ch.Marker},
		{NucleiKey, &ch.Nuclei},
	} {
		img, err := s.ReadImage(name, c.key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", c.key, err)
		}
		*c.dst = img
	}
	return &ch, nil
}

// Build returns the normalized, background-subtracted RGB composite with the
// channel axis last. Background is estimated as the median of the pixels
// outside every segment. A saturation factor above 1 boosts color saturation.
func Build(ch *Channels, seg *models.Segmentation, saturationFactor float64) (*models.Array, error) {
	for name, img := range map[string]*models.Array{"serum": ch.Serum, "marker": ch.Marker, "nuclei": ch.Nuclei} {
		if len(img.Data) != len(seg.Data) {
			return nil, fmt.Errorf("%s has shape %v, segmentation has %v", name, img.Shape, seg.Shape)
		}
	}

	serum := Normalize(ch.Serum.Data)
	marker := QuantileNormalize(ch.Marker.Data, 0.01, 0.99)
	nuclei := Normalize(ch.Nuclei.Data)

	for _, im := range [][]float64{serum, marker, nuclei} {
		subtractBackground(im, seg.Data)
	}

	shape := append(append([]int(nil), seg.Shape...), 3)
	raw := &models.Array{Data: make([]float64, len(seg.Data)*3), Shape: shape}
	for i := range seg.Data {
		raw.Data[3*i] = marker[i]
		raw.Data[3*i+1] = serum[i]
		raw.Data[3*i+2] = nuclei[i]
	}

	if saturationFactor > 1 {
		Saturate(raw.Data, saturationFactor)
	}
	return raw, nil
}

// Normalize shifts values to start at 0 and scales them to a maximum of 1
func Normalize(values []float64) []float64 {
	out := append([]float64(nil), values...)
	if len(out) == 0 {
		return out
	}
	floats.AddConst(-floats.Min(out), out)
	if maxVal := floats.Max(out); maxVal > 0 {
		floats.Scale(1/maxVal, out)
	}
	return out
}

// QuantileNormalize subtracts the low quantile, divides by the high quantile
// and clips to [0, 1]
func QuantileNormalize(values []float64, low, high float64) []float64 {
	out := append([]float64(nil), values...)
	if len(out) == 0 {
		return out
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	tlow := Quantile(sorted, low)
	thigh := Quantile(sorted, high)

	floats.AddConst(-tlow, out)
	if thigh != 0 {
		floats.Scale(1/thigh, out)
	}
	for i, v := range out {
		out[i] = clamp(v)
	}
	return out
}

func subtractBackground(im []float64, seg []uint32) {
	var bg []float64
	for i, id := range seg {
		if id == 0 {
			bg = append(bg, im[i])
		}
	}
	if len(bg) == 0 {
		return
	}
	sort.Float64s(bg)
	floats.AddConst(-Quantile(bg, 0.5), im)
}

// Quantile returns the p-quantile of sorted values, interpolating linearly
// between the order statistics at rank (n-1)*p
func Quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	h := float64(len(sorted)-1) * math.Max(0, math.Min(1, p))
	lo := int(math.Floor(h))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Saturate multiplies the HSV saturation of interleaved RGB values and clips
// the result to [0, 1]
func Saturate(rgb []float64, factor float64) {
	for i := 0; i+2 < len(rgb); i += 3 {
		c := colorful.Color{R: clamp(rgb[i]), G: clamp(rgb[i+1]), B: clamp(rgb[i+2])}
		h, s, v := c.Hsv()
		c = colorful.Hsv(h, s*factor, v)
		rgb[i], rgb[i+1], rgb[i+2] = clamp(c.R), clamp(c.G), clamp(c.B)
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
