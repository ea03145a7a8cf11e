package session

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"covidifannotations/internal/models"
)

// ErrQuit is returned by Dispatch when the host asks to end the session
var ErrQuit = errors.New("quit")

// Dispatch runs one host command and returns a message for the operator.
// Commands mirror the key bindings of the viewer:
//
//	select <i>            select point i
//	cycle | space         advance the label of the selected point
//	click <coord...>      advance the label of the point under the cursor
//	new | n               fresh segment ID to paint with
//	paint <id> <coord...> paint one pixel
//	erase <id>            erase a segment
//	hide | h              toggle hiding of annotated cells
//	update | u            synchronize overlays with all edits
//	save | s [partial]    write the annotation file
//	labels                show label counts
//	quit | q              end the session
func (s *Session) Dispatch(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "select":
		i, err := intArgs(args, 1)
		if err != nil {
			return "", err
		}
		if err := s.Select(i[0]); err != nil {
			return "", err
		}
		return fmt.Sprintf("selected point %d (%s)", i[0], s.pointLabels[i[0]]), nil

	case "cycle", "space":
		label, err := s.CycleSelected()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("point %d is now %s", s.selected, label), nil

	case "click":
		coord, err := floatArgs(args)
		if err != nil {
			return "", err
		}
		i, label, err := s.CycleAt(coord)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("point %d is now %s", i, label), nil

	case "new", "n":
		return fmt.Sprintf("paint with segment ID %d", s.NewSegmentID()), nil

	case "paint":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: paint <id> <coord...>")
		}
		values, err := intArgs(args, len(args))
		if err != nil {
			return "", err
		}
		if len(values)-1 != len(s.seg.Shape) {
			return "", fmt.Errorf("expected %d coordinates, got %d", len(s.seg.Shape), len(values)-1)
		}
		for d, c := range values[1:] {
			if c < 0 || c >= s.seg.Shape[d] {
				return "", fmt.Errorf("coordinate %v outside shape %v", values[1:], s.seg.Shape)
			}
		}
		if values[0] < 0 || int64(values[0]) > math.MaxUint32 {
			return "", fmt.Errorf("segment ID %d outside [0, %d]", values[0], uint32(math.MaxUint32))
		}
		s.Paint(uint32(values[0]), values[1:]...)
		return fmt.Sprintf("painted %v with segment %d", values[1:], values[0]), nil

	case "erase":
		values, err := intArgs(args, 1)
		if err != nil {
			return "", err
		}
		if values[0] <= 0 || int64(values[0]) > math.MaxUint32 {
			return "", fmt.Errorf("cannot erase segment %d", values[0])
		}
		s.Erase(uint32(values[0]))
		return fmt.Sprintf("erased segment %d", values[0]), nil

	case "hide", "h":
		if err := s.ToggleHideAnnotated(); err != nil {
			return "", err
		}
		return fmt.Sprintf("hide annotated cells: %t", s.hideAnnotated), nil

	case "update", "u":
		if err := s.Update(); err != nil {
			return "", err
		}
		return fmt.Sprintf("synchronized %d cells", len(s.segIDs)-1), nil

	case "save", "s":
		partial := len(args) > 0 && args[0] == "partial"
		out, err := s.Save(partial)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("saved annotations to %s", out), nil

	case "labels":
		return formatCounts(s.Counts()), nil

	case "quit", "q":
		return "", ErrQuit
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

func intArgs(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	values := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", a)
		}
		values[i] = v
	}
	return values, nil
}

func floatArgs(args []string) (models.Point, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected coordinates")
	}
	p := make(models.Point, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid coordinate %q", a)
		}
		p[i] = v
	}
	return p, nil
}

func formatCounts(counts map[models.Label]int) string {
	labels := make([]models.Label, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s: %d", l, counts[l]))
	}
	return strings.Join(parts, ", ")
}
