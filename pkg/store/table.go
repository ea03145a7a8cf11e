package store

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/hdf5"
)

// Kind is the type a table column was recovered as
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	// KindNull marks a missing cell on write; it is stored as NaN
	KindNull
)

// Value is a single table cell
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
}

// Int returns an integer cell
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float returns a float cell
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// String returns a string cell
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// Null returns a missing cell
func Null() Value { return Value{Kind: KindNull} }

// Text is the fixed-width string representation written to disk
func (v Value) Text() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return formatFloat(v.Float)
	case KindString:
		return v.Str
	default:
		return formatFloat(math.NaN())
	}
}

// formatFloat always keeps a decimal point or exponent so that integral
// floats are not read back as integers
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// Table is a named-column table of cells
type Table struct {
	Columns []string
	Rows    [][]Value

	// Visible flags which columns the plate viewer shows
	Visible []bool
}

// Column returns the cells of column i
func (t *Table) Column(i int) []Value {
	col := make([]Value, len(t.Rows))
	for r, row := range t.Rows {
		col[r] = row[i]
	}
	return col
}

// TableOption configures WriteTable
type TableOption func(*tableWrite)

type tableWrite struct {
	visible []bool
	force   bool
}

// WithVisible sets the visibility flag of every column
func WithVisible(visible []bool) TableOption {
	return func(w *tableWrite) { w.visible = visible }
}

// WithForceWrite replaces existing table datasets of a different shape
func WithForceWrite() TableOption {
	return func(w *tableWrite) { w.force = true }
}

func tableKey(name string) string {
	return "tables/" + name
}

// HasTable reports whether all three datasets of a table exist
func (s *Store) HasTable(name, table string) (bool, error) {
	f, err := openFile(name, false)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	key := tableKey(table)
	for _, ds := range []string{"cells", "columns", "visible"} {
		if !linkExists(f, key+"/"+ds) {
			return false, nil
		}
	}
	return true, nil
}

// WriteTable writes a table in the cells/columns/visible layout. Cells are
// stored as fixed-width strings; missing cells become NaN.
func (s *Store) WriteTable(name, table string, t *Table, opts ...TableOption) error {
	w := tableWrite{}
	for _, opt := range opts {
		opt(&w)
	}

	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: %d column names, %d cells in row %d",
				ErrColumnMismatch, len(t.Columns), len(row), i)
		}
	}

	visible := w.visible
	if visible == nil {
		visible = t.Visible
	}
	if visible == nil {
		visible = make([]bool, len(t.Columns))
		for i := range visible {
			visible[i] = true
		}
	}
	if len(visible) != len(t.Columns) {
		return fmt.Errorf("%w: %d column names, %d visibility flags",
			ErrColumnMismatch, len(t.Columns), len(visible))
	}

	width := s.params.StringWidth
	strType, err := hdf5.T_C_S1.Copy()
	if err != nil {
		return err
	}
	defer strType.Close()
	if err := strType.SetSize(width); err != nil {
		return err
	}

	texts := make([]string, 0, len(t.Rows)*len(t.Columns))
	for _, row := range t.Rows {
		for _, v := range row {
			texts = append(texts, v.Text())
		}
	}
	cells := encodeStrings(texts, width, table)
	columns := encodeStrings(t.Columns, width, table)

	flags := make([]uint8, len(visible))
	for i, v := range visible {
		if v {
			flags[i] = 1
		}
	}

	key := tableKey(table)
	return s.writeDatasets(name, w.force,
		dataset{key: key + "/cells", dtype: strType, dims: []uint{uint(len(t.Rows)), uint(len(t.Columns))}, data: &cells},
		dataset{key: key + "/columns", dtype: strType, dims: []uint{uint(len(t.Columns))}, data: &columns},
		dataset{key: key + "/visible", dtype: hdf5.T_NATIVE_UINT8, dims: []uint{uint(len(flags))}, data: &flags},
	)
}

func encodeStrings(values []string, width int, table string) []byte {
	buf := make([]byte, len(values)*width)
	for i, v := range values {
		if len(v) > width {
			log.Printf("Warning: value %q in table %s cut to %d bytes", v, table, width)
		}
		copy(buf[i*width:(i+1)*width], v)
	}
	return buf
}

func decodeStrings(raw []byte, width int) []string {
	if width == 0 {
		return nil
	}
	values := make([]string, len(raw)/width)
	for i := range values {
		field := raw[i*width : (i+1)*width]
		if end := bytes.IndexByte(field, 0); end >= 0 {
			field = field[:end]
		}
		values[i] = string(field)
	}
	return values
}

// ReadTable reads a table written by WriteTable or by the plate viewer tools.
// Every column is independently recovered as integers if all its cells
// parse as integers, else as floats, else it stays a string column.
func (s *Store) ReadTable(name, table string) (*Table, error) {
	f, err := openFile(name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	key := tableKey(table)
	cells, dims, err := readStrings(f, key+"/cells")
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s from %s: %w", table, name, err)
	}
	columns, _, err := readStrings(f, key+"/columns")
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s from %s: %w", table, name, err)
	}
	if len(dims) != 2 || int(dims[1]) != len(columns) {
		return nil, fmt.Errorf("%w: table %s has cells %v and %d columns",
			ErrColumnMismatch, table, dims, len(columns))
	}

	nRows, nCols := int(dims[0]), int(dims[1])
	t := &Table{Columns: columns, Rows: make([][]Value, nRows)}
	for r := range t.Rows {
		t.Rows[r] = make([]Value, nCols)
	}
	for c := 0; c < nCols; c++ {
		col := make([]string, nRows)
		for r := range col {
			col[r] = cells[r*nCols+c]
		}
		for r, v := range castColumn(col) {
			t.Rows[r][c] = v
		}
	}

	if linkExists(f, key+"/visible") {
		ds, err := f.OpenDataset(key + "/visible")
		if err != nil {
			return nil, err
		}
		raw, _, dtype, err := readRaw(ds)
		ds.Close()
		if err != nil {
			return nil, err
		}
		flags, err := decodeNumeric(raw, dtype)
		dtype.Close()
		if err != nil {
			return nil, err
		}
		t.Visible = make([]bool, len(flags))
		for i, v := range flags {
			t.Visible[i] = v != 0
		}
	}
	return t, nil
}

func readStrings(f *hdf5.File, key string) ([]string, []uint, error) {
	ds, err := f.OpenDataset(key)
	if err != nil {
		return nil, nil, err
	}
	defer ds.Close()

	raw, dims, dtype, err := readRaw(ds)
	if err != nil {
		return nil, nil, err
	}
	defer dtype.Close()
	if dtype.Class() != hdf5.T_STRING {
		return nil, nil, fmt.Errorf("%w: %s is not a string dataset", ErrUnsupportedType, key)
	}
	return decodeStrings(raw, int(dtype.Size())), dims, nil
}

// castColumn tries int, then float, then leaves the column as strings
func castColumn(col []string) []Value {
	values := make([]Value, len(col))

	ints := true
	for i, s := range col {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			ints = false
			break
		}
		values[i] = Int(v)
	}
	if ints {
		return values
	}

	floats := true
	for i, s := range col {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			floats = false
			break
		}
		values[i] = Float(v)
	}
	if floats {
		return values
	}

	for i, s := range col {
		values[i] = String(s)
	}
	return values
}
