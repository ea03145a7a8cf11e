// Package session holds the state of one annotation session and translates
// host viewer interactions into label synchronization calls.
//
// A session owns the segmentation, the segment IDs the label array is aligned
// to, the label array itself and the display mode. Point label changes and
// segmentation edits accumulate until Update reconciles them into the label
// array and derives fresh overlays.
package session

import (
	"errors"
	"fmt"
	"log"

	"covidifannotations/internal/models"
	"covidifannotations/pkg/labelsync"
	"covidifannotations/pkg/store"
)

var (
	// ErrNoSelection is returned when cycling without a selected point
	ErrNoSelection = errors.New("no point selected")

	// ErrNoPoint is returned when no point lies under the cursor
	ErrNoPoint = errors.New("no point under cursor")
)

// State is the lifecycle stage of a session
type State int

const (
	// Loaded means the labels match what was read from disk
	Loaded State = iota
	// Editing means there are edits since the last load or save
	Editing
	// Saved means the current labels were written to the annotation file
	Saved
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Editing:
		return "editing"
	case Saved:
		return "saved"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options are the display parameters of a session
type Options struct {
	// EdgeWidth is the width of the outline overlay in pixels
	EdgeWidth int

	// PointSize is the marker diameter; clicks within half of it hit the marker
	PointSize float64

	// BackgroundValue is the outline overlay value of pixels off the outlines
	BackgroundValue int32

	// Progress receives progress messages, nil uses the standard logger.
	// Warnings always go to the standard logger.
	Progress *log.Logger
}

func (o Options) progress() *log.Logger {
	if o.Progress == nil {
		return log.Default()
	}
	return o.Progress
}

// Session is the explicit state record of one open image
type Session struct {
	store *store.Store
	path  string
	opts  Options

	// seg is edited by painting; synced is the segmentation at the last update
	seg    *models.Segmentation
	synced *models.Segmentation

	// segIDs are the IDs the label array is aligned to
	segIDs []uint32
	labels []models.Label

	// pointLabels are the marker labels, edited by cycling
	pointLabels []models.Label
	selected    int

	hideAnnotated bool
	overlays      *labelsync.Overlays
	points        *pointIndex
	state         State
}

// Open loads the segmentation and labels of an input file. If annotationPath
// is set the segmentation and labels are read from it instead, for
// proofreading existing annotations. Files without a label table start with
// all cells unlabeled.
func Open(s *store.Store, path, annotationPath string, opts Options) (*Session, error) {
	source := path
	if annotationPath != "" {
		source = annotationPath
	}

	seg, err := s.ReadSegmentation(source, store.SegmentationKey)
	if err != nil {
		return nil, err
	}
	ids := labelsync.SegmentIDs(seg)

	hasTable, err := s.HasTable(source, store.LabelTable)
	if err != nil {
		return nil, err
	}

	labels := make([]models.Label, len(ids))
	if hasTable {
		tableIDs, tableLabels, err := s.ReadLabels(source)
		if err != nil {
			return nil, err
		}
		if err := checkTable(ids, tableIDs, tableLabels); err != nil {
			return nil, fmt.Errorf("labels in %s: %w", source, err)
		}
		labels = tableLabels
		opts.progress().Printf("Loaded %d labels from %s", len(labels), source)
	} else {
		opts.progress().Printf("No label table in %s, all %d cells start unlabeled", source, len(ids)-1)
	}

	return New(s, path, seg, labels, opts)
}

func checkTable(ids, tableIDs []uint32, labels []models.Label) error {
	if len(tableIDs) != len(ids) {
		return fmt.Errorf("%w: %d rows for %d segment IDs", labelsync.ErrLengthMismatch, len(tableIDs), len(ids))
	}
	for i := range ids {
		if tableIDs[i] != ids[i] {
			return fmt.Errorf("%w: row %d has segment ID %d, expected %d",
				labelsync.ErrLengthMismatch, i, tableIDs[i], ids[i])
		}
	}
	if labels[0] != models.Unlabeled {
		return fmt.Errorf("%w: background has label %d", labelsync.ErrLengthMismatch, labels[0])
	}
	if invalid := labelsync.ValidateLabels(labels); len(invalid) > 0 {
		log.Printf("Warning: unexpected label values %v, expected %v", invalid, models.LabelCycle)
	}
	return nil
}

// New starts a session from a segmentation and its aligned labels.
// The store may be nil if the session is never saved.
func New(s *store.Store, path string, seg *models.Segmentation, labels []models.Label, opts Options) (*Session, error) {
	if opts.EdgeWidth < 1 {
		opts.EdgeWidth = 1
	}
	ids := labelsync.SegmentIDs(seg)
	if len(ids) != len(labels) {
		return nil, fmt.Errorf("%w: %d segment IDs, %d labels", labelsync.ErrLengthMismatch, len(ids), len(labels))
	}

	sess := &Session{
		store:    s,
		path:     path,
		opts:     opts,
		seg:      seg,
		segIDs:   ids,
		labels:   append([]models.Label(nil), labels...),
		selected: -1,
		state:    Loaded,
	}
	if err := sess.sync(); err != nil {
		return nil, err
	}
	return sess, nil
}

// sync derives the overlays from the synchronized segmentation and labels and
// resets the point markers to match
func (s *Session) sync() error {
	s.synced = s.seg.Clone()
	if err := s.derive(); err != nil {
		return err
	}
	s.pointLabels = append([]models.Label(nil), s.overlays.PointLabels...)
	s.points = newPointIndex(s.overlays.Centroids)
	if s.selected >= len(s.pointLabels) {
		s.selected = -1
	}
	return nil
}

func (s *Session) derive() error {
	opts := labelsync.OverlayOptions{
		EdgeWidth:       s.opts.EdgeWidth,
		RemapBackground: true,
		BackgroundValue: s.opts.BackgroundValue,
	}
	if s.hideAnnotated {
		opts.HiddenIDs = labelsync.AnnotatedIDs(s.segIDs, s.labels)
	}

	overlays, err := labelsync.DeriveOverlays(s.synced, s.labels, opts)
	if err != nil {
		return err
	}
	s.overlays = overlays
	return nil
}

// Update reconciles point label changes and segmentation edits into the label
// array and derives fresh overlays
func (s *Session) Update() error {
	labels, err := labelsync.ReconcileFromPoints(s.pointLabels, s.labels)
	if err != nil {
		return err
	}

	current := labelsync.SegmentIDs(s.seg)
	labels, err = labelsync.ReconcileFromSegmentation(current, s.segIDs, labels)
	if err != nil {
		return err
	}

	s.segIDs = current
	s.labels = labels
	return s.sync()
}

// Select marks a point as the current selection
func (s *Session) Select(i int) error {
	if i < 0 || i >= len(s.pointLabels) {
		return fmt.Errorf("point %d out of range, have %d points", i, len(s.pointLabels))
	}
	s.selected = i
	return nil
}

// CycleSelected advances the label of the selected point
func (s *Session) CycleSelected() (models.Label, error) {
	if s.selected < 0 {
		return 0, ErrNoSelection
	}
	return s.cycle(s.selected), nil
}

// CycleAt advances the label of the point under the cursor and selects it
func (s *Session) CycleAt(pos models.Point) (int, models.Label, error) {
	i := s.points.nearest(pos, s.opts.PointSize/2)
	if i < 0 {
		return -1, 0, ErrNoPoint
	}
	s.selected = i
	return i, s.cycle(i), nil
}

func (s *Session) cycle(i int) models.Label {
	s.pointLabels[i] = labelsync.AdvanceLabel(s.pointLabels[i], models.LabelCycle)
	s.state = Editing
	return s.pointLabels[i]
}

// NewSegmentID returns an unused ID to start painting a new segment with
func (s *Session) NewSegmentID() uint32 {
	return labelsync.NextSegmentID(labelsync.SegmentIDs(s.seg))
}

// Paint assigns a segment ID to one pixel, as the host paint brush does
func (s *Session) Paint(id uint32, coord ...int) {
	s.seg.Set(id, coord...)
	s.state = Editing
}

// Erase removes a segment from the segmentation
func (s *Session) Erase(id uint32) {
	for i, v := range s.seg.Data {
		if v == id {
			s.seg.Data[i] = 0
		}
	}
	s.state = Editing
}

// ToggleHideAnnotated flips whether outlines of labeled cells are hidden and
// re-derives the overlays. The label array is left untouched.
func (s *Session) ToggleHideAnnotated() error {
	s.hideAnnotated = !s.hideAnnotated
	return s.derive()
}

// Save synchronizes pending edits and writes the segmentation and labels to
// the annotation file of the input. It returns the written path.
func (s *Session) Save(partial bool) (string, error) {
	if s.store == nil {
		return "", errors.New("session has no store to save to")
	}
	if err := s.Update(); err != nil {
		return "", err
	}

	if unlabeled := countUnlabeled(s.labels); unlabeled > 0 && !partial {
		log.Printf("Warning: saving full annotations with %d unlabeled cells", unlabeled)
	}

	out := store.AnnotationPath(s.path, partial)
	if err := s.store.WriteAnnotations(out, s.synced, s.segIDs, s.labels); err != nil {
		return "", err
	}
	s.state = Saved
	return out, nil
}

func countUnlabeled(labels []models.Label) int {
	n := 0
	for _, l := range labels[1:] {
		if l == models.Unlabeled {
			n++
		}
	}
	return n
}

// Path returns the input file of the session
func (s *Session) Path() string { return s.path }

// State returns the lifecycle stage
func (s *Session) State() State { return s.state }

// Labels returns the label array aligned to SegmentIDs
func (s *Session) Labels() []models.Label { return s.labels }

// SegmentIDs returns the segment IDs the label array is aligned to
func (s *Session) SegmentIDs() []uint32 { return s.segIDs }

// PointLabels returns the current marker labels, including unsynchronized changes
func (s *Session) PointLabels() []models.Label { return s.pointLabels }

// Selected returns the selected point or -1
func (s *Session) Selected() int { return s.selected }

// HideAnnotated reports whether outlines of labeled cells are hidden
func (s *Session) HideAnnotated() bool { return s.hideAnnotated }

// Overlays returns the overlays of the last synchronization
func (s *Session) Overlays() *labelsync.Overlays { return s.overlays }

// Segmentation returns the segmentation including unsynchronized edits
func (s *Session) Segmentation() *models.Segmentation { return s.seg }

// Counts returns how many cells carry each label
func (s *Session) Counts() map[models.Label]int {
	counts := make(map[models.Label]int)
	for _, l := range s.labels[1:] {
		counts[l]++
	}
	return counts
}
