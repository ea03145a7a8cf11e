package labelsync

import (
	"fmt"

	"covidifannotations/internal/models"
)

// OverlayOptions controls how the edge overlay is derived
type OverlayOptions struct {
	// EdgeWidth is the width of the boundary band in pixels, at least 1
	EdgeWidth int

	// HiddenIDs are segments whose outline is suppressed
	HiddenIDs []uint32

	// RemapBackground enables BackgroundValue for background and hidden pixels,
	// so that "no segment" renders differently from an unlabeled segment
	RemapBackground bool
	BackgroundValue int32
}

// Overlays are the display projections of a segmentation and its labels
type Overlays struct {
	// SegmentIDs are the IDs the overlays were derived from, background first
	SegmentIDs []uint32

	// Centroids has one point per non-background segment in ascending ID order
	Centroids []models.Point

	// PointLabels is the label of each centroid
	PointLabels []models.Label

	// Edges is the boundary band of each segment, valued by its label
	Edges *models.LabelImage
}

// DeriveOverlays recomputes the centroids and the edge mask of seg from labels.
// labels must be aligned to SegmentIDs(seg).
func DeriveOverlays(seg *models.Segmentation, labels []models.Label, opts OverlayOptions) (*Overlays, error) {
	ids := SegmentIDs(seg)
	if len(ids) != len(labels) {
		return nil, fmt.Errorf("%w: %d segment IDs, %d labels", ErrLengthMismatch, len(ids), len(labels))
	}

	edges := EdgeSegmentation(seg, opts.EdgeWidth)
	mask, err := MapLabelsToEdges(edges, ids, labels, opts)
	if err != nil {
		return nil, err
	}

	return &Overlays{
		SegmentIDs:  ids,
		Centroids:   Centroids(seg, ids),
		PointLabels: append([]models.Label(nil), labels[1:]...),
		Edges:       mask,
	}, nil
}

// Centroids returns the mean pixel coordinate of every non-background segment.
// ids must be the sorted segment IDs of seg with background first.
func Centroids(seg *models.Segmentation, ids []uint32) []models.Point {
	ndim := len(seg.Shape)
	position := make(map[uint32]int, len(ids))
	for i, id := range ids {
		if id != 0 {
			position[id] = i - 1
		}
	}

	sums := make([][]float64, len(ids)-1)
	for i := range sums {
		sums[i] = make([]float64, ndim)
	}
	counts := make([]int, len(ids)-1)

	coord := make([]int, ndim)
	for idx, id := range seg.Data {
		if id == 0 {
			continue
		}
		p, ok := position[id]
		if !ok {
			continue
		}
		models.Unravel(idx, seg.Shape, coord)
		for d, c := range coord {
			sums[p][d] += float64(c)
		}
		counts[p]++
	}

	centroids := make([]models.Point, len(sums))
	for i, sum := range sums {
		point := make(models.Point, ndim)
		if counts[i] > 0 {
			for d := range sum {
				point[d] = sum[d] / float64(counts[i])
			}
		}
		centroids[i] = point
	}
	return centroids
}

// EdgeSegmentation keeps the segment IDs of seg on a boundary band and zeroes
// everything else. A pixel is on the boundary when one of its face neighbours
// has a different ID (both sides of an interface are marked). The band is
// widened by width-1 dilations with the same face-connected neighbourhood.
func EdgeSegmentation(seg *models.Segmentation, width int) *models.Segmentation {
	boundaries := findBoundaries(seg)
	for i := 1; i < width; i++ {
		boundaries = dilate(boundaries, seg.Shape)
	}

	edges := seg.Clone()
	for idx, isBoundary := range boundaries {
		if !isBoundary {
			edges.Data[idx] = 0
		}
	}
	return edges
}

// MapLabelsToEdges replaces every segment ID in edges by its label.
// Hidden segments map to 0, or to the background value when remapping is on.
func MapLabelsToEdges(edges *models.Segmentation, ids []uint32, labels []models.Label, opts OverlayOptions) (*models.LabelImage, error) {
	if len(ids) != len(labels) {
		return nil, fmt.Errorf("%w: %d segment IDs, %d labels", ErrLengthMismatch, len(ids), len(labels))
	}

	lookup := make(map[uint32]int32, len(ids)+1)
	for i, id := range ids {
		lookup[id] = int32(labels[i])
	}
	var hiddenValue int32
	if opts.RemapBackground {
		hiddenValue = opts.BackgroundValue
	}
	for _, id := range opts.HiddenIDs {
		lookup[id] = hiddenValue
	}
	if opts.RemapBackground {
		lookup[0] = opts.BackgroundValue
	} else if _, ok := lookup[0]; !ok {
		lookup[0] = 0
	}

	mask := &models.LabelImage{
		Data:  make([]int32, len(edges.Data)),
		Shape: append([]int(nil), edges.Shape...),
	}
	for idx, id := range edges.Data {
		value, ok := lookup[id]
		if !ok {
			return nil, fmt.Errorf("%w: segment %d has no label", ErrLengthMismatch, id)
		}
		mask.Data[idx] = value
	}
	return mask, nil
}

// forEachNeighbour calls fn with the flat index of every in-bounds face
// neighbour of the pixel at coord
func forEachNeighbour(idx int, coord, shape, strides []int, fn func(n int) bool) {
	for d := range shape {
		if coord[d] > 0 && !fn(idx-strides[d]) {
			return
		}
		if coord[d] < shape[d]-1 && !fn(idx+strides[d]) {
			return
		}
	}
}

func findBoundaries(seg *models.Segmentation) []bool {
	strides := models.Strides(seg.Shape)
	coord := make([]int, len(seg.Shape))
	boundaries := make([]bool, len(seg.Data))

	for idx, id := range seg.Data {
		models.Unravel(idx, seg.Shape, coord)
		forEachNeighbour(idx, coord, seg.Shape, strides, func(n int) bool {
			if seg.Data[n] != id {
				boundaries[idx] = true
				return false
			}
			return true
		})
	}
	return boundaries
}

func dilate(mask []bool, shape []int) []bool {
	strides := models.Strides(shape)
	coord := make([]int, len(shape))
	out := make([]bool, len(mask))

	for idx := range mask {
		if mask[idx] {
			out[idx] = true
			continue
		}
		models.Unravel(idx, shape, coord)
		forEachNeighbour(idx, coord, shape, strides, func(n int) bool {
			if mask[n] {
				out[idx] = true
				return false
			}
			return true
		})
	}
	return out
}
