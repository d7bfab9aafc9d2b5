// Package compiler turns a template's layer index plus normalized schedule
// data into the ordered edit instruction list a render session applies.
// It is pure: no I/O, no engine, deterministic for identical inputs.
package compiler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/studioposts/api/internal/model"
)

var (
	// ErrBadTemplateIndex means the template carries no parseable layer index
	ErrBadTemplateIndex = errors.New("template layer index missing or corrupt")
	// ErrInvalidSchedule means the schedule satisfies none of the template's bindings
	ErrInvalidSchedule = errors.New("schedule data satisfies no template binding")
)

// tagGridLayer is the group layer name that opts a template into positional
// event tags on a weekly grid.
const tagGridLayer = "tag_grid"

// Compile maps every bound layer of the template to an edit instruction.
//
// Output ordering: all setText/loadImageFromUrl/placeTag instructions first,
// then every moveLayer. Image loads materialize as new layers named img_1,
// img_2, ... in load order; each gets a matching move back into the slot of
// the placeholder it replaces. Layers with no binding are left untouched.
func Compile(tpl *model.Template, schedule *model.ScheduleData) ([]model.EditInstruction, error) {
	if tpl == nil || len(tpl.Layers) == 0 {
		return nil, ErrBadTemplateIndex
	}
	if schedule == nil {
		return nil, ErrInvalidSchedule
	}

	events := flatten(schedule)

	var edits []model.EditInstruction
	var moves []model.EditInstruction
	declared := 0
	satisfied := 0
	imgSeq := 0

	for _, layer := range tpl.Layers {
		switch layer.Kind {
		case model.LayerKindText:
			val, bound, ok := resolveText(layer.Name, schedule, events)
			if !bound {
				continue
			}
			declared++
			if ok {
				satisfied++
			}
			// Out-of-range slots are blanked so leftover placeholder
			// text never ships in a finished design.
			edits = append(edits, model.EditInstruction{
				Kind:      model.EditSetText,
				LayerName: layer.Name,
				Value:     val,
			})

		case model.LayerKindImage:
			url, bound, ok := resolveImage(layer.Name, events)
			if !bound {
				continue
			}
			declared++
			if !ok {
				continue
			}
			satisfied++
			imgSeq++
			newName := fmt.Sprintf("img_%d", imgSeq)
			edits = append(edits, model.EditInstruction{
				Kind:         model.EditLoadImageFromURL,
				LayerName:    layer.Name,
				URL:          url,
				NewLayerName: newName,
			})
			moves = append(moves, model.EditInstruction{
				Kind: model.EditMoveLayer,
				From: newName,
				To:   layer.Name,
			})

		case model.LayerKindGroup:
			if layer.Name != tagGridLayer {
				continue
			}
			declared++
			tags := placeTags(layer.Name, schedule)
			if len(tags) > 0 {
				satisfied++
			}
			edits = append(edits, tags...)
		}
	}

	if declared > 0 && satisfied == 0 {
		return nil, ErrInvalidSchedule
	}

	return append(edits, moves...), nil
}

// flatten orders all events by day order then in-day order
func flatten(s *model.ScheduleData) []model.ScheduleEvent {
	var out []model.ScheduleEvent
	for _, d := range s.Days {
		out = append(out, d.Events...)
	}
	return out
}

// resolveText maps a text layer name to its schedule value. Returns
// (value, isBinding, satisfied). Unbound names return ("", false, false);
// bound names whose slot is out of range return ("", true, false).
func resolveText(name string, schedule *model.ScheduleData, events []model.ScheduleEvent) (string, bool, bool) {
	switch name {
	case "title":
		if len(events) == 0 {
			return "", true, false
		}
		return events[0].Name, true, true
	case "subtitle":
		if len(events) == 0 {
			return "", true, false
		}
		return timeRange(events[0]), true, events[0].StartAt != ""
	case "date":
		if len(schedule.Days) == 0 {
			return "", true, false
		}
		return formatDate(schedule.Days[0].Date), true, true
	case "date_range":
		if len(schedule.Days) == 0 {
			return "", true, false
		}
		first := formatDate(schedule.Days[0].Date)
		last := formatDate(schedule.Days[len(schedule.Days)-1].Date)
		if first == last {
			return first, true, true
		}
		return first + " – " + last, true, true
	}

	if d, rest, ok := dayPrefix(name); ok {
		if rest == "date" {
			if d >= len(schedule.Days) {
				return "", true, false
			}
			return formatDate(schedule.Days[d].Date), true, true
		}
		if d >= len(schedule.Days) {
			if _, _, bound := eventField(rest, nil); bound {
				return "", true, false
			}
			return "", false, false
		}
		return eventField(rest, schedule.Days[d].Events)
	}

	return eventField(name, events)
}

// eventField resolves event_<n>_{name,time,staff} against an event list
func eventField(name string, events []model.ScheduleEvent) (string, bool, bool) {
	var n int
	var field string
	if _, err := fmt.Sscanf(name, "event_%d_%s", &n, &field); err != nil || n < 1 {
		return "", false, false
	}
	switch field {
	case "name", "time", "staff":
	default:
		return "", false, false
	}
	if n > len(events) {
		return "", true, false
	}
	ev := events[n-1]
	switch field {
	case "name":
		return ev.Name, true, ev.Name != ""
	case "time":
		return timeRange(ev), true, ev.StartAt != ""
	default: // staff
		return staffNames(ev), true, len(ev.Staff) > 0
	}
}

// resolveImage maps an image layer name to a staff photo URL.
// Returns (url, isBinding, satisfied).
func resolveImage(name string, events []model.ScheduleEvent) (string, bool, bool) {
	if name == "staff_photo" {
		url := firstPhoto(events, 0)
		return url, true, url != ""
	}
	var n int
	if _, err := fmt.Sscanf(name, "event_%d_staff_photo", &n); err != nil || n < 1 {
		return "", false, false
	}
	url := firstPhoto(events, n-1)
	return url, true, url != ""
}

// staffNames joins an event's instructor names for a staff text slot
func staffNames(ev model.ScheduleEvent) string {
	names := make([]string, 0, len(ev.Staff))
	for _, s := range ev.Staff {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return strings.Join(names, ", ")
}

func firstPhoto(events []model.ScheduleEvent, idx int) string {
	if idx >= len(events) {
		return ""
	}
	for _, s := range events[idx].Staff {
		if s.PhotoURL != "" {
			return s.PhotoURL
		}
	}
	return ""
}

// placeTags lays the week's events out on a normalized grid: x by day
// column, y by start hour within a 6:00–22:00 window.
func placeTags(layerName string, schedule *model.ScheduleData) []model.EditInstruction {
	days := len(schedule.Days)
	if days == 0 {
		return nil
	}
	var out []model.EditInstruction
	for di, day := range schedule.Days {
		x := (float64(di) + 0.5) / float64(days)
		for _, ev := range day.Events {
			t, err := time.Parse(time.RFC3339, ev.StartAt)
			if err != nil {
				continue
			}
			hour := float64(t.Hour()) + float64(t.Minute())/60
			y := (hour - 6) / 16
			if y < 0 {
				y = 0
			}
			if y > 1 {
				y = 1
			}
			out = append(out, model.EditInstruction{
				Kind:      model.EditPlaceTag,
				LayerName: layerName,
				Value:     ev.Name,
				NormX:     x,
				NormY:     y,
			})
		}
	}
	return out
}

func dayPrefix(name string) (int, string, bool) {
	var d int
	var rest string
	if _, err := fmt.Sscanf(name, "day_%d_%s", &d, &rest); err != nil || d < 1 {
		return 0, "", false
	}
	return d - 1, rest, true
}

func timeRange(ev model.ScheduleEvent) string {
	start, err := time.Parse(time.RFC3339, ev.StartAt)
	if err != nil {
		return ""
	}
	s := start.Format("3:04 PM")
	end, err := time.Parse(time.RFC3339, ev.EndAt)
	if err != nil {
		return s
	}
	return s + " – " + end.Format("3:04 PM")
}

func formatDate(d string) string {
	t, err := time.Parse("2006-01-02", d)
	if err != nil {
		return d
	}
	return t.Format("Monday, Jan 2")
}
