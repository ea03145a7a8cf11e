// Package store reads and writes images and annotation tables in HDF5 files.
//
// Every operation opens the file, reads or writes everything it needs and
// closes it again; no handle outlives a call. Images are stored either as a
// plain dataset or as a multi-resolution group with one dataset per scale
// level ("s0", "s1", ...). Tables follow the plate-viewer layout of three
// co-located datasets under tables/<name>: cells, columns and visible.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"gonum.org/v1/hdf5"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotDataset is returned when an image entry is neither a dataset nor a
	// multi-resolution group
	ErrNotDataset = errors.New("entry is not an image dataset")

	// ErrShapeMismatch is returned when a dataset already exists with a
	// different shape or an incompatible element type and the write was not forced
	ErrShapeMismatch = errors.New("existing dataset has a different shape or type")

	// ErrColumnMismatch is returned when column names and rows disagree
	ErrColumnMismatch = errors.New("number of columns does not match")

	// ErrUnsupportedType is returned for datasets with an element type that
	// cannot be decoded
	ErrUnsupportedType = errors.New("unsupported dataset type")
)

// DefaultChunks is the process-wide chunk shape for image writes. It applies
// to the trailing axes and is read from the DEFAULT_CHUNKS environment
// variable (a JSON list such as "[256, 256]") at startup.
var DefaultChunks = chunksFromEnv()

func chunksFromEnv() []int {
	chunks := []int{256, 256}
	value := os.Getenv("DEFAULT_CHUNKS")
	if value == "" {
		return chunks
	}

	var parsed []int
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || len(parsed) == 0 {
		log.Printf("Warning: ignoring invalid DEFAULT_CHUNKS %q", value)
		return chunks
	}
	return parsed
}

// Params configures how data is laid out on disk
type Params struct {
	// Chunks is the chunk shape for the trailing axes of written datasets
	Chunks []int

	// CompressionLevel is the gzip level used for every written dataset
	CompressionLevel int

	// StringWidth is the fixed byte width of table cells and column names
	StringWidth int
}

// DefaultParams returns the parameters used by the original annotation files
func DefaultParams() *Params {
	return &Params{
		Chunks:           append([]int(nil), DefaultChunks...),
		CompressionLevel: 4,
		StringWidth:      100,
	}
}

// Store gives access to HDF5 files with a fixed on-disk layout
type Store struct {
	params *Params
}

// New creates a store. A nil params uses DefaultParams.
func New(params *Params) *Store {
	if params == nil {
		params = DefaultParams()
	}
	return &Store{params: params}
}

// chunksFor returns the chunk shape for a dataset of the given dimensions.
// The configured chunks cover the trailing axes, leading axes get chunk size 1
// and no chunk exceeds the dataset extent. Empty datasets are not chunked.
func (s *Store) chunksFor(dims []uint) []uint {
	for _, d := range dims {
		if d == 0 {
			return nil
		}
	}

	chunks := make([]uint, len(dims))
	offset := len(dims) - len(s.params.Chunks)
	for i := range dims {
		size := uint(1)
		if j := i - offset; j >= 0 {
			size = uint(s.params.Chunks[j])
		}
		if size == 0 || size > dims[i] {
			size = dims[i]
		}
		chunks[i] = size
	}
	return chunks
}

func openFile(name string, write bool) (*hdf5.File, error) {
	if !write {
		return hdf5.OpenFile(name, hdf5.F_ACC_RDONLY)
	}
	if _, err := os.Stat(name); os.IsNotExist(err) {
		return hdf5.CreateFile(name, hdf5.F_ACC_EXCL)
	}
	return hdf5.OpenFile(name, hdf5.F_ACC_RDWR)
}

// linkExists checks every prefix of key so that missing intermediate groups
// do not raise HDF5 errors
func linkExists(f *hdf5.File, key string) bool {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i := range parts {
		if !f.LinkExists(strings.Join(parts[:i+1], "/")) {
			return false
		}
	}
	return true
}

// ensureGroups creates every missing group along dir
func ensureGroups(f *hdf5.File, dir string) error {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return nil
	}
	parts := strings.Split(dir, "/")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		if f.LinkExists(prefix) {
			continue
		}
		g, err := f.CreateGroup(prefix)
		if err != nil {
			return fmt.Errorf("failed to create group %s: %w", prefix, err)
		}
		g.Close()
	}
	return nil
}

// isGroup reports whether key names a group. Datasets and missing keys are not groups.
func isGroup(f *hdf5.File, key string) bool {
	parent, name := path.Split(strings.Trim(key, "/"))
	parent = strings.Trim(parent, "/")

	fg := &f.CommonFG
	if parent != "" {
		g, err := f.OpenGroup(parent)
		if err != nil {
			return false
		}
		defer g.Close()
		fg = &g.CommonFG
	}

	n, err := fg.NumObjects()
	if err != nil {
		return false
	}
	for i := uint(0); i < n; i++ {
		objName, err := fg.ObjectNameByIndex(i)
		if err != nil || objName != name {
			continue
		}
		typ, err := fg.ObjectTypeByIndex(i)
		return err == nil && typ == hdf5.H5G_GROUP
	}
	return false
}

// dataset is one dataset to be written by writeDatasets
type dataset struct {
	key   string
	dtype *hdf5.Datatype
	dims  []uint
	data  interface{}
}

// writeDatasets writes all datasets to one file, creating groups as needed.
// Existing datasets are overwritten in place when shape and type match. A
// mismatch fails with ErrShapeMismatch unless force is set, in which case the
// old dataset is removed first.
func (s *Store) writeDatasets(name string, force bool, datasets ...dataset) error {
	conflicts, err := s.findConflicts(name, datasets)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		if !force {
			return fmt.Errorf("%w: %s in %s", ErrShapeMismatch, strings.Join(conflicts, ", "), name)
		}
		if err := s.removeObjects(name, conflicts); err != nil {
			return err
		}
	}

	f, err := openFile(name, true)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", name, err)
	}
	defer f.Close()

	for _, d := range datasets {
		if err := s.writeDataset(f, d); err != nil {
			return fmt.Errorf("failed to write %s to %s: %w", d.key, name, err)
		}
	}
	return nil
}

func (s *Store) findConflicts(name string, datasets []dataset) ([]string, error) {
	if _, err := os.Stat(name); os.IsNotExist(err) {
		return nil, nil
	}
	f, err := openFile(name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	var conflicts []string
	for _, d := range datasets {
		if !linkExists(f, d.key) {
			continue
		}
		ds, err := f.OpenDataset(d.key)
		if err != nil {
			conflicts = append(conflicts, d.key)
			continue
		}
		if !sameLayout(ds, d) {
			conflicts = append(conflicts, d.key)
		}
		ds.Close()
	}
	return conflicts, nil
}

func sameLayout(ds *hdf5.Dataset, d dataset) bool {
	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil || len(dims) != len(d.dims) {
		return false
	}
	for i := range dims {
		if dims[i] != d.dims[i] {
			return false
		}
	}

	dtype, err := ds.Datatype()
	if err != nil {
		return false
	}
	defer dtype.Close()
	return compatibleTypes(dtype, d.dtype)
}

// compatibleTypes reports whether data of type want can be written into a
// dataset of type have. Writes use the dataset's own type, so numeric types
// must match exactly. Fixed-width strings only need the same width; padding
// does not matter since cells are written zero-filled.
func compatibleTypes(have, want *hdf5.Datatype) bool {
	if have.Class() == hdf5.T_STRING && want.Class() == hdf5.T_STRING {
		return have.Size() == want.Size()
	}
	return have.Equal(want)
}

func (s *Store) writeDataset(f *hdf5.File, d dataset) error {
	var ds *hdf5.Dataset
	if linkExists(f, d.key) {
		existing, err := f.OpenDataset(d.key)
		if err != nil {
			return err
		}
		ds = existing
	} else {
		if err := ensureGroups(f, path.Dir(d.key)); err != nil {
			return err
		}
		created, err := s.createDataset(f, d.key, d.dtype, d.dims)
		if err != nil {
			return err
		}
		ds = created
	}
	defer ds.Close()

	if len(d.dims) > 0 && hasZeroDim(d.dims) {
		return nil
	}
	return ds.Write(d.data)
}

func (s *Store) createDataset(f *hdf5.File, key string, dtype *hdf5.Datatype, dims []uint) (*hdf5.Dataset, error) {
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return nil, err
	}
	defer space.Close()

	chunks := s.chunksFor(dims)
	if chunks == nil {
		return f.CreateDataset(key, dtype, space)
	}

	dcpl, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, err
	}
	defer dcpl.Close()
	if err := dcpl.SetChunk(chunks); err != nil {
		return nil, err
	}
	if err := dcpl.SetDeflate(s.params.CompressionLevel); err != nil {
		return nil, err
	}
	return f.CreateDatasetWith(key, dtype, space, dcpl)
}

func hasZeroDim(dims []uint) bool {
	for _, d := range dims {
		if d == 0 {
			return true
		}
	}
	return false
}

// readRaw reads a whole dataset into memory using its own file type
func readRaw(ds *hdf5.Dataset) ([]byte, []uint, *hdf5.Datatype, error) {
	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, nil, nil, err
	}

	dtype, err := ds.Datatype()
	if err != nil {
		return nil, nil, nil, err
	}

	raw := make([]byte, space.SimpleExtentNPoints()*int(dtype.Size()))
	if len(raw) == 0 {
		return raw, dims, dtype, nil
	}
	if err := ds.Read(&raw); err != nil {
		dtype.Close()
		return nil, nil, nil, err
	}
	return raw, dims, dtype, nil
}

// removeObjects drops the given datasets from an HDF5 file. HDF5 does not
// reclaim unlinked space, so the file is rewritten without them and swapped
// in place.
func (s *Store) removeObjects(name string, keys []string) error {
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[strings.Trim(k, "/")] = true
	}

	tmp := name + ".tmp"
	if err := s.copyFile(name, tmp, skip); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rewrite %s: %w", name, err)
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) copyFile(src, dst string, skip map[string]bool) error {
	in, err := hdf5.OpenFile(src, hdf5.F_ACC_RDONLY)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := hdf5.CreateFile(dst, hdf5.F_ACC_TRUNC)
	if err != nil {
		return err
	}
	defer out.Close()

	return s.copyTree(in, out, "", skip)
}

func (s *Store) copyTree(in, out *hdf5.File, dir string, skip map[string]bool) error {
	fg := &in.CommonFG
	if dir != "" {
		g, err := in.OpenGroup(dir)
		if err != nil {
			return err
		}
		defer g.Close()
		fg = &g.CommonFG
	}

	n, err := fg.NumObjects()
	if err != nil {
		return err
	}
	for i := uint(0); i < n; i++ {
		name, err := fg.ObjectNameByIndex(i)
		if err != nil {
			return err
		}
		key := path.Join(dir, name)
		if skip[key] {
			continue
		}
		typ, err := fg.ObjectTypeByIndex(i)
		if err != nil {
			return err
		}

		switch typ {
		case hdf5.H5G_GROUP:
			if err := ensureGroups(out, key); err != nil {
				return err
			}
			if err := s.copyTree(in, out, key, skip); err != nil {
				return err
			}
		case hdf5.H5G_DATASET:
			if err := s.copyDataset(in, out, key); err != nil {
				return fmt.Errorf("failed to copy %s: %w", key, err)
			}
		default:
			log.Printf("Warning: skipping %s of unsupported object type", key)
		}
	}
	return nil
}

func (s *Store) copyDataset(in, out *hdf5.File, key string) error {
	ds, err := in.OpenDataset(key)
	if err != nil {
		return err
	}
	defer ds.Close()

	raw, dims, dtype, err := readRaw(ds)
	if err != nil {
		return err
	}
	defer dtype.Close()

	copied, err := s.createDataset(out, key, dtype, dims)
	if err != nil {
		return err
	}
	defer copied.Close()
	if len(raw) == 0 {
		return nil
	}
	return copied.Write(&raw)
}
