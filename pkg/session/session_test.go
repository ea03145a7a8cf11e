package session

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"covidifannotations/internal/models"
	"covidifannotations/pkg/labelsync"
	"covidifannotations/pkg/store"
)

var testOptions = Options{EdgeWidth: 1, PointSize: 4, BackgroundValue: 4}

// threeCells creates a 12x12 segmentation with 3x3 cells 1, 2 and 3 along the diagonal
func threeCells() *models.Segmentation {
	seg := models.NewSegmentation(12, 12)
	for id := 1; id <= 3; id++ {
		top := (id - 1) * 4
		for y := top; y < top+3; y++ {
			for x := top; x < top+3; x++ {
				seg.Set(uint32(id), y, x)
			}
		}
	}
	return seg
}

// TestSessionPaintAndErase checks label carry-over when segments are erased and painted
func TestSessionPaintAndErase(t *testing.T) {
	sess, err := New(nil, "img.h5", threeCells(), []models.Label{0, 1, 0, 2}, testOptions)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if sess.State() != Loaded {
		t.Errorf("Expected state loaded, got %s", sess.State())
	}

	sess.Erase(2)
	id := sess.NewSegmentID()
	if id != 4 {
		t.Errorf("Expected fresh segment ID 4, got %d", id)
	}
	sess.Paint(id, 11, 0)
	sess.Paint(id, 11, 1)

	if sess.State() != Editing {
		t.Errorf("Expected state editing, got %s", sess.State())
	}
	// Overlays are stale until the update
	if len(sess.Overlays().Centroids) != 3 {
		t.Errorf("Expected stale overlays with 3 centroids, got %d", len(sess.Overlays().Centroids))
	}

	if err := sess.Update(); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if !reflect.DeepEqual(sess.SegmentIDs(), []uint32{0, 1, 3, 4}) {
		t.Errorf("Expected IDs [0 1 3 4], got %v", sess.SegmentIDs())
	}
	expected := []models.Label{0, 1, 2, 0}
	if !reflect.DeepEqual(sess.Labels(), expected) {
		t.Errorf("Expected labels %v, got %v", expected, sess.Labels())
	}
	if len(sess.Overlays().Centroids) != 3 {
		t.Errorf("Expected 3 centroids after update, got %d", len(sess.Overlays().Centroids))
	}
	if !reflect.DeepEqual(sess.PointLabels(), []models.Label{1, 2, 0}) {
		t.Errorf("Expected point labels [1 2 0], got %v", sess.PointLabels())
	}
}

// TestSessionCycle verifies keyboard and click driven label changes
func TestSessionCycle(t *testing.T) {
	sess, err := New(nil, "img.h5", threeCells(), []models.Label{0, 0, 0, 0}, testOptions)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if _, err := sess.CycleSelected(); !errors.Is(err, ErrNoSelection) {
		t.Errorf("Expected ErrNoSelection, got %v", err)
	}

	if err := sess.Select(2); err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	for _, expected := range []models.Label{models.Infected, models.Control} {
		label, err := sess.CycleSelected()
		if err != nil {
			t.Fatalf("Failed to cycle: %v", err)
		}
		if label != expected {
			t.Errorf("Expected %s, got %s", expected, label)
		}
	}

	// Cell 2 is centered at (5, 5)
	i, label, err := sess.CycleAt(models.Point{5.5, 4.8})
	if err != nil {
		t.Fatalf("Failed to cycle at cursor: %v", err)
	}
	if i != 1 || label != models.Infected {
		t.Errorf("Expected point 1 infected, got point %d %s", i, label)
	}
	if sess.Selected() != 1 {
		t.Errorf("Expected click to select point 1, got %d", sess.Selected())
	}

	if _, _, err := sess.CycleAt(models.Point{11, 0}); !errors.Is(err, ErrNoPoint) {
		t.Errorf("Expected ErrNoPoint far from any marker, got %v", err)
	}

	// Label array only changes on update
	if !reflect.DeepEqual(sess.Labels(), []models.Label{0, 0, 0, 0}) {
		t.Errorf("Expected labels unchanged before update, got %v", sess.Labels())
	}
	if err := sess.Update(); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	expected := []models.Label{0, 0, models.Infected, models.Control}
	if !reflect.DeepEqual(sess.Labels(), expected) {
		t.Errorf("Expected labels %v, got %v", expected, sess.Labels())
	}

	// The outline of cell 3 carries its label
	if got := sess.Overlays().Edges.At(8, 8); got != int32(models.Control) {
		t.Errorf("Expected outline value %d, got %d", models.Control, got)
	}
}

// TestSessionHideAnnotated verifies the display mode leaves labels alone
func TestSessionHideAnnotated(t *testing.T) {
	sess, err := New(nil, "img.h5", threeCells(), []models.Label{0, 1, 0, 3}, testOptions)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err := sess.ToggleHideAnnotated(); err != nil {
		t.Fatalf("Failed to toggle: %v", err)
	}
	if !sess.HideAnnotated() {
		t.Errorf("Expected hide mode on")
	}
	edges := sess.Overlays().Edges
	if edges.At(2, 2) != 4 || edges.At(8, 8) != 4 {
		t.Errorf("Expected annotated outlines hidden, got %d and %d", edges.At(2, 2), edges.At(8, 8))
	}
	if edges.At(4, 4) != 0 {
		t.Errorf("Expected unlabeled outline to stay visible, got %d", edges.At(4, 4))
	}
	if !reflect.DeepEqual(sess.Labels(), []models.Label{0, 1, 0, 3}) {
		t.Errorf("Expected labels untouched, got %v", sess.Labels())
	}

	if err := sess.ToggleHideAnnotated(); err != nil {
		t.Fatalf("Failed to toggle: %v", err)
	}
	if got := sess.Overlays().Edges.At(2, 2); got != 1 {
		t.Errorf("Expected outline visible again with value 1, got %d", got)
	}
}

// TestNewMisaligned verifies that misaligned labels are rejected
func TestNewMisaligned(t *testing.T) {
	_, err := New(nil, "img.h5", threeCells(), []models.Label{0, 1}, testOptions)
	if !errors.Is(err, labelsync.ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}
}

// TestDispatch drives a session through host commands
func TestDispatch(t *testing.T) {
	sess, err := New(nil, "img.h5", threeCells(), []models.Label{0, 0, 0, 0}, testOptions)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	steps := []struct {
		line     string
		contains string
	}{
		{"select 0", "selected point 0"},
		{"space", "infected"},
		{"click 9 9", "point 2 is now infected"},
		{"n", "segment ID 4"},
		{"paint 4 11 11", "painted"},
		{"u", "synchronized 4 cells"},
		{"labels", "infected: 2"},
		{"h", "true"},
	}
	for _, step := range steps {
		msg, err := sess.Dispatch(step.line)
		if err != nil {
			t.Fatalf("Command %q failed: %v", step.line, err)
		}
		if !strings.Contains(msg, step.contains) {
			t.Errorf("Command %q: expected %q in %q", step.line, step.contains, msg)
		}
	}

	for _, line := range []string{"bogus", "select x", "paint 1", "erase 0", "paint 1 99 0", "paint -1 0 0", "paint 4294967296 0 0", "erase 4294967297"} {
		if _, err := sess.Dispatch(line); err == nil {
			t.Errorf("Expected an error for %q", line)
		}
	}
	if got := sess.Segmentation().At(0, 0); got != 1 {
		t.Errorf("Expected rejected paint to leave segment 1 at (0, 0), got %d", got)
	}
	if _, err := sess.Dispatch("q"); !errors.Is(err, ErrQuit) {
		t.Errorf("Expected ErrQuit, got %v", err)
	}
}

// TestOpenAndSave round-trips a session through HDF5 files
func TestOpenAndSave(t *testing.T) {
	s := store.New(nil)
	input := filepath.Join(t.TempDir(), "gt_image_001.h5")

	seg := threeCells()
	if err := s.WriteSegmentation(input, store.SegmentationKey, seg, false); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}

	sess, err := Open(s, input, "", testOptions)
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	if !reflect.DeepEqual(sess.Labels(), []models.Label{0, 0, 0, 0}) {
		t.Errorf("Expected zero-initialized labels, got %v", sess.Labels())
	}

	if err := sess.Select(0); err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if _, err := sess.CycleSelected(); err != nil {
		t.Fatalf("Failed to cycle: %v", err)
	}
	sess.Erase(3)

	out, err := sess.Save(true)
	if err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	if !strings.HasSuffix(out, "gt_image_001_partial_annotations.h5") {
		t.Errorf("Unexpected annotation path %s", out)
	}
	if sess.State() != Saved {
		t.Errorf("Expected state saved, got %s", sess.State())
	}

	reopened, err := Open(s, input, out, testOptions)
	if err != nil {
		t.Fatalf("Failed to reopen annotations: %v", err)
	}
	if !reflect.DeepEqual(reopened.SegmentIDs(), []uint32{0, 1, 2}) {
		t.Errorf("Expected IDs [0 1 2], got %v", reopened.SegmentIDs())
	}
	if !reflect.DeepEqual(reopened.Labels(), []models.Label{0, models.Infected, 0}) {
		t.Errorf("Expected labels [0 1 0], got %v", reopened.Labels())
	}
	if reopened.Path() != input {
		t.Errorf("Expected session path %s, got %s", input, reopened.Path())
	}
}

// writeLabeledInput writes threeCells and a label table with the given rows
func writeLabeledInput(t *testing.T, s *store.Store, rows [][2]int64) string {
	t.Helper()
	input := filepath.Join(t.TempDir(), "gt_image_002.h5")
	if err := s.WriteSegmentation(input, store.SegmentationKey, threeCells(), false); err != nil {
		t.Fatalf("Failed to write segmentation: %v", err)
	}

	table := &store.Table{Columns: store.LabelColumns}
	for _, r := range rows {
		table.Rows = append(table.Rows, []store.Value{store.Int(r[0]), store.Int(r[1])})
	}
	if err := s.WriteTable(input, store.LabelTable, table); err != nil {
		t.Fatalf("Failed to write label table: %v", err)
	}
	return input
}

// TestOpenInvalidLabels verifies that unexpected label values warn but still load
func TestOpenInvalidLabels(t *testing.T) {
	var warnings, progress bytes.Buffer
	log.SetOutput(&warnings)
	defer log.SetOutput(os.Stderr)

	s := store.New(nil)
	input := writeLabeledInput(t, s, [][2]int64{{0, 0}, {1, 7}, {2, 1}, {3, 0}})

	opts := testOptions
	opts.Progress = log.New(&progress, "", 0)
	sess, err := Open(s, input, "", opts)
	if err != nil {
		t.Fatalf("Expected labels with unexpected values to load, got %v", err)
	}
	expected := []models.Label{0, 7, models.Infected, 0}
	if !reflect.DeepEqual(sess.Labels(), expected) {
		t.Errorf("Expected labels %v, got %v", expected, sess.Labels())
	}

	if !strings.Contains(warnings.String(), "unexpected label values") {
		t.Errorf("Expected a warning about label 7, got %q", warnings.String())
	}
	if strings.Contains(warnings.String(), "Loaded") {
		t.Errorf("Expected progress messages kept out of warnings, got %q", warnings.String())
	}
	if !strings.Contains(progress.String(), "Loaded 4 labels") {
		t.Errorf("Expected progress message, got %q", progress.String())
	}
}

// TestOpenMisalignedTable verifies that tables not matching the segmentation are rejected
func TestOpenMisalignedTable(t *testing.T) {
	s := store.New(nil)

	tests := []struct {
		name string
		rows [][2]int64
	}{
		{"background labeled", [][2]int64{{0, 2}, {1, 0}, {2, 0}, {3, 0}}},
		{"missing row", [][2]int64{{0, 0}, {1, 1}, {2, 0}}},
		{"extra row", [][2]int64{{0, 0}, {1, 1}, {2, 0}, {3, 0}, {4, 1}}},
		{"different IDs", [][2]int64{{0, 0}, {1, 1}, {2, 0}, {5, 0}}},
	}
	for _, tt := range tests {
		input := writeLabeledInput(t, s, tt.rows)
		_, err := Open(s, input, "", testOptions)
		if !errors.Is(err, labelsync.ErrLengthMismatch) {
			t.Errorf("%s: expected ErrLengthMismatch, got %v", tt.name, err)
		}
	}
}
