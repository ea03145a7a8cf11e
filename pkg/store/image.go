package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/hdf5"

	"covidifannotations/internal/models"
)

// ImageOption selects what part of an image entry is read
type ImageOption func(*imageSelection)

type imageSelection struct {
	scale   int
	channel int
}

// WithScale selects the resolution level of a multi-resolution group
func WithScale(scale int) ImageOption {
	return func(s *imageSelection) { s.scale = scale }
}

// WithChannel selects a single index along the first axis
func WithChannel(channel int) ImageOption {
	return func(s *imageSelection) { s.channel = channel }
}

// ReadImage reads an image entry as float values
func (s *Store) ReadImage(name, key string, opts ...ImageOption) (*models.Array, error) {
	values, shape, err := s.readImage(name, key, opts)
	if err != nil {
		return nil, err
	}
	return &models.Array{Data: values, Shape: shape}, nil
}

// ReadSegmentation reads an image entry holding non-negative integer segment IDs
func (s *Store) ReadSegmentation(name, key string, opts ...ImageOption) (*models.Segmentation, error) {
	values, shape, err := s.readImage(name, key, opts)
	if err != nil {
		return nil, err
	}

	seg := &models.Segmentation{Data: make([]uint32, len(values)), Shape: shape}
	for i, v := range values {
		if v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: %s in %s holds %v, not a segment ID", ErrUnsupportedType, key, name, v)
		}
		seg.Data[i] = uint32(v)
	}
	return seg, nil
}

func (s *Store) readImage(name, key string, opts []ImageOption) ([]float64, []int, error) {
	sel := imageSelection{channel: -1}
	for _, opt := range opts {
		opt(&sel)
	}

	f, err := openFile(name, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	if !linkExists(f, key) {
		return nil, nil, fmt.Errorf("%w: %s not found in %s", ErrNotDataset, key, name)
	}
	if isGroup(f, key) {
		key = fmt.Sprintf("%s/s%d", key, sel.scale)
		if !linkExists(f, key) || isGroup(f, key) {
			return nil, nil, fmt.Errorf("%w: %s not found in %s", ErrNotDataset, key, name)
		}
	}

	ds, err := f.OpenDataset(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s in %s: %v", ErrNotDataset, key, name, err)
	}
	defer ds.Close()

	raw, dims, dtype, err := readRaw(ds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s from %s: %w", key, name, err)
	}
	defer dtype.Close()

	values, err := decodeNumeric(raw, dtype)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s from %s: %w", key, name, err)
	}

	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}
	if sel.channel < 0 {
		return values, shape, nil
	}

	if len(shape) == 0 || sel.channel >= shape[0] {
		return nil, nil, fmt.Errorf("channel %d out of range for %s with shape %v", sel.channel, key, shape)
	}
	plane := models.NumElements(shape[1:])
	start := sel.channel * plane
	return values[start : start+plane], shape[1:], nil
}

// decodeNumeric converts raw little- or big-endian integer and float data
func decodeNumeric(raw []byte, dtype *hdf5.Datatype) ([]float64, error) {
	type decoder struct {
		size   int
		order  binary.ByteOrder
		decode func(b []byte, order binary.ByteOrder) float64
	}

	u8 := func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) }
	i8 := func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) }
	u16 := func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) }
	i16 := func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) }
	u32 := func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) }
	i32 := func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) }
	u64 := func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint64(b)) }
	i64 := func(b []byte, o binary.ByteOrder) float64 { return float64(int64(o.Uint64(b))) }
	f32 := func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) }
	f64 := func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) }

	le, be := binary.LittleEndian, binary.BigEndian
	candidates := []struct {
		dtype *hdf5.Datatype
		decoder
	}{
		{hdf5.T_STD_U8LE, decoder{1, le, u8}},
		{hdf5.T_STD_U8BE, decoder{1, be, u8}},
		{hdf5.T_STD_I8LE, decoder{1, le, i8}},
		{hdf5.T_STD_I8BE, decoder{1, be, i8}},
		{hdf5.T_STD_U16LE, decoder{2, le, u16}},
		{hdf5.T_STD_U16BE, decoder{2, be, u16}},
		{hdf5.T_STD_I16LE, decoder{2, le, i16}},
		{hdf5.T_STD_I16BE, decoder{2, be, i16}},
		{hdf5.T_STD_U32LE, decoder{4, le, u32}},
		{hdf5.T_STD_U32BE, decoder{4, be, u32}},
		{hdf5.T_STD_I32LE, decoder{4, le, i32}},
		{hdf5.T_STD_I32BE, decoder{4, be, i32}},
		{hdf5.T_STD_U64LE, decoder{8, le, u64}},
		{hdf5.T_STD_U64BE, decoder{8, be, u64}},
		{hdf5.T_STD_I64LE, decoder{8, le, i64}},
		{hdf5.T_STD_I64BE, decoder{8, be, i64}},
		{hdf5.T_IEEE_F32LE, decoder{4, le, f32}},
		{hdf5.T_IEEE_F32BE, decoder{4, be, f32}},
		{hdf5.T_IEEE_F64LE, decoder{8, le, f64}},
		{hdf5.T_IEEE_F64BE, decoder{8, be, f64}},
	}

	for _, c := range candidates {
		if !dtype.Equal(c.dtype) {
			continue
		}
		values := make([]float64, len(raw)/c.size)
		for i := range values {
			values[i] = c.decode(raw[i*c.size:(i+1)*c.size], c.order)
		}
		return values, nil
	}
	return nil, fmt.Errorf("%w: class %v, %d bytes", ErrUnsupportedType, dtype.Class(), dtype.Size())
}

// WriteImage writes a single-resolution image as name/s0 in 32-bit floats
func (s *Store) WriteImage(name, key string, img *models.Array, force bool) error {
	data := make([]float32, len(img.Data))
	for i, v := range img.Data {
		data[i] = float32(v)
	}
	return s.writeDatasets(name, force, dataset{
		key:   key + "/s0",
		dtype: hdf5.T_NATIVE_FLOAT,
		dims:  toDims(img.Shape),
		data:  &data,
	})
}

// WriteSegmentation writes a segmentation as name/s0 in unsigned 32-bit integers
func (s *Store) WriteSegmentation(name, key string, seg *models.Segmentation, force bool) error {
	data := seg.Data
	return s.writeDatasets(name, force, dataset{
		key:   key + "/s0",
		dtype: hdf5.T_NATIVE_UINT32,
		dims:  toDims(seg.Shape),
		data:  &data,
	})
}

// HasImage reports whether key is a multi-resolution image with level s0
func (s *Store) HasImage(name, key string) (bool, error) {
	f, err := openFile(name, false)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	return linkExists(f, key+"/s0"), nil
}

func toDims(shape []int) []uint {
	dims := make([]uint, len(shape))
	for i, s := range shape {
		dims[i] = uint(s)
	}
	return dims
}
