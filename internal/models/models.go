package models

import (
	"fmt"
)

// Label is the per-cell classification assigned by the annotator
type Label int32

const (
	Unlabeled Label = iota
	Infected
	Control
	Uncertain
)

// LabelCycle is the order in which clicks and key presses advance a label
var LabelCycle = []Label{Unlabeled, Infected, Control, Uncertain}

// LabelNames are the display names of the labels, indexed by value
var LabelNames = []string{"unlabeled", "infected", "control", "uncertain"}

// Valid reports whether l is one of the supported label values
func (l Label) Valid() bool {
	return l >= Unlabeled && l <= Uncertain
}

func (l Label) String() string {
	if l.Valid() {
		return LabelNames[l]
	}
	return fmt.Sprintf("label(%d)", int32(l))
}

// Segmentation is an N-dimensional label image in row-major order.
// Zero is background, every positive value is the ID of one cell.
type Segmentation struct {
	// Data holds the segment ID of every pixel
	Data []uint32

	// Shape is the extent along each axis, slowest varying first
	Shape []int
}

// NewSegmentation allocates an all-background segmentation of the given shape
func NewSegmentation(shape ...int) *Segmentation {
	return &Segmentation{
		Data:  make([]uint32, NumElements(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// Clone returns a deep copy of the segmentation
func (s *Segmentation) Clone() *Segmentation {
	return &Segmentation{
		Data:  append([]uint32(nil), s.Data...),
		Shape: append([]int(nil), s.Shape...),
	}
}

// Index converts a coordinate into a flat offset
func (s *Segmentation) Index(coord ...int) int {
	return FlatIndex(s.Shape, coord)
}

// At returns the segment ID at the given coordinate
func (s *Segmentation) At(coord ...int) uint32 {
	return s.Data[s.Index(coord...)]
}

// Set assigns a segment ID at the given coordinate
func (s *Segmentation) Set(id uint32, coord ...int) {
	s.Data[s.Index(coord...)] = id
}

// Array is a dense float image used for raw channels and composites
type Array struct {
	Data  []float64
	Shape []int
}

// NewArray allocates a zero array of the given shape
func NewArray(shape ...int) *Array {
	return &Array{
		Data:  make([]float64, NumElements(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// Point is a position in pixel coordinates, one value per axis
type Point []float64

// NumElements returns the product of the shape
func NumElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Strides returns row-major strides for shape
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = stride
		stride *= shape[d]
	}
	return strides
}

// FlatIndex converts coord into a flat offset for shape
func FlatIndex(shape, coord []int) int {
	if len(coord) != len(shape) {
		panic(fmt.Sprintf("coordinate has %d axes, shape has %d", len(coord), len(shape)))
	}
	idx := 0
	for d := range shape {
		idx = idx*shape[d] + coord[d]
	}
	return idx
}

// Unravel converts a flat offset back into a coordinate, writing into coord
func Unravel(idx int, shape []int, coord []int) {
	for d := len(shape) - 1; d >= 0; d-- {
		coord[d] = idx % shape[d]
		idx /= shape[d]
	}
}

// LabelImage is a per-pixel display value image, such as the edge overlay.
// Values are labels, except for an optional distinguished background value.
type LabelImage struct {
	Data  []int32
	Shape []int
}

// At returns the value at the given coordinate
func (m *LabelImage) At(coord ...int) int32 {
	return m.Data[FlatIndex(m.Shape, coord)]
}
