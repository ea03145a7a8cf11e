package session

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"covidifannotations/internal/models"
)

// centroid is a point marker that remembers its position in the marker list
type centroid struct {
	pos   models.Point
	index int
}

// Compare implements the kdtree.Comparable interface
func (c centroid) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	return c.pos[d] - o.(centroid).pos[d]
}

// Dims returns the number of dimensions for the KD-tree
func (c centroid) Dims() int { return len(c.pos) }

// Distance returns the squared Euclidean distance between two points
func (c centroid) Distance(o kdtree.Comparable) float64 {
	q := o.(centroid)
	var sum float64
	for d := range c.pos {
		diff := c.pos[d] - q.pos[d]
		sum += diff * diff
	}
	return sum
}

// centroids is a collection of markers that satisfies kdtree.Interface
type centroids []centroid

func (p centroids) Index(i int) kdtree.Comparable         { return p[i] }
func (p centroids) Len() int                              { return len(p) }
func (p centroids) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p centroids) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{centroids: p, Dim: d}, kdtree.MedianOfRandoms(plane{centroids: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for centroids
type plane struct {
	centroids
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.centroids[i].pos[p.Dim] < p.centroids[j].pos[p.Dim]
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{centroids: p.centroids[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.centroids[i], p.centroids[j] = p.centroids[j], p.centroids[i]
}

// pointIndex finds the marker under the cursor
type pointIndex struct {
	tree *kdtree.Tree
	dims int
}

func newPointIndex(points []models.Point) *pointIndex {
	if len(points) == 0 {
		return &pointIndex{}
	}
	data := make(centroids, len(points))
	for i, p := range points {
		data[i] = centroid{pos: p, index: i}
	}
	return &pointIndex{tree: kdtree.New(data, false), dims: len(points[0])}
}

// nearest returns the index of the closest marker within radius, or -1
func (pi *pointIndex) nearest(pos models.Point, radius float64) int {
	if pi.tree == nil || len(pos) != pi.dims {
		return -1
	}
	found, dist := pi.tree.Nearest(centroid{pos: pos, index: -1})
	if found == nil || math.Sqrt(dist) > radius {
		return -1
	}
	return found.(centroid).index
}
