// Package labelsync keeps the per-cell label array consistent with edits made
// to the segmentation or to the point markers, and derives the display
// overlays (centroids and edge mask) from the current segmentation and labels.
//
// The label array is the single source of truth. It holds one label per
// unique segment ID, aligned to the ascending ID sequence, with background
// (ID 0) always at index 0 and always unlabeled. Overlays are pure functions
// of (segmentation, labels) and are never edited directly.
package labelsync

import (
	"errors"
	"fmt"
	"sort"

	"covidifannotations/internal/models"
)

// ErrLengthMismatch signals that a label array is no longer aligned with the
// segment IDs or point markers it belongs to. It indicates corrupted session
// state and callers should treat it as fatal.
var ErrLengthMismatch = errors.New("label array is not aligned")

// SegmentIDs returns the sorted unique segment IDs of seg.
// The background ID 0 is always the first entry, even if no pixel is background.
func SegmentIDs(seg *models.Segmentation) []uint32 {
	seen := map[uint32]struct{}{0: {}}
	for _, id := range seg.Data {
		seen[id] = struct{}{}
	}

	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReconcileFromPoints rebuilds the label array after the point labels changed.
// pointLabels has one entry per non-background segment, so it must be exactly
// one shorter than previous.
func ReconcileFromPoints(pointLabels, previous []models.Label) ([]models.Label, error) {
	if len(pointLabels) != len(previous)-1 {
		return nil, fmt.Errorf("%w: %d point labels for %d segments",
			ErrLengthMismatch, len(pointLabels), len(previous))
	}

	labels := make([]models.Label, 0, len(previous))
	labels = append(labels, models.Unlabeled)
	labels = append(labels, pointLabels...)
	return labels, nil
}

// ReconcileFromSegmentation carries labels over to a new set of segment IDs.
//
// If the ID sequence is unchanged the labels are returned as they are.
// Otherwise the merge is keyed by segment ID, not by position: IDs present in
// both sets keep their label, newly painted IDs start unlabeled and erased IDs
// are dropped.
func ReconcileFromSegmentation(current, previous []uint32, labels []models.Label) ([]models.Label, error) {
	if len(previous) != len(labels) {
		return nil, fmt.Errorf("%w: %d segment IDs, %d labels",
			ErrLengthMismatch, len(previous), len(labels))
	}
	if equalIDs(current, previous) {
		return labels, nil
	}

	old := make(map[uint32]models.Label, len(previous))
	for i, id := range previous {
		old[id] = labels[i]
	}

	merged := make([]models.Label, len(current))
	for i, id := range current {
		if label, ok := old[id]; ok {
			merged[i] = label
		}
	}
	return merged, nil
}

func equalIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AdvanceLabel returns the label following current in cycle, wrapping around
// at the end. A label that is not part of the cycle restarts at its first entry.
func AdvanceLabel(current models.Label, cycle []models.Label) models.Label {
	if len(cycle) == 0 {
		return current
	}
	for i, label := range cycle {
		if label == current {
			return cycle[(i+1)%len(cycle)]
		}
	}
	return cycle[0]
}

// ValidateLabels returns the distinct label values outside the supported set,
// in ascending order. Loading continues regardless; the caller decides how to
// report them.
func ValidateLabels(labels []models.Label) []models.Label {
	seen := make(map[models.Label]struct{})
	var invalid []models.Label
	for _, label := range labels {
		if label.Valid() {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		invalid = append(invalid, label)
	}
	sort.Slice(invalid, func(i, j int) bool { return invalid[i] < invalid[j] })
	return invalid
}

// AnnotatedIDs returns the non-background segment IDs that carry a label.
// These are hidden from the edge overlay in "hide annotated segments" mode.
func AnnotatedIDs(ids []uint32, labels []models.Label) []uint32 {
	var annotated []uint32
	for i, id := range ids {
		if id != 0 && i < len(labels) && labels[i] != models.Unlabeled {
			annotated = append(annotated, id)
		}
	}
	return annotated
}

// NextSegmentID returns an ID that is not used by any segment yet
func NextSegmentID(ids []uint32) uint32 {
	var maxID uint32
	for _, id := range ids {
		if id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}
