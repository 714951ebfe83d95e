package lab

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrMalformedFrame = errors.New("lab: malformed frame")

// Message is one inbound frame decoded as a loosely typed JSON object.
//
// Lookups taking several keys resolve them in argument order: the first key
// that is present with a non-null value wins, even if a later key also holds
// a value. Typed getters then coerce that one value; a value of the wrong
// type reads as absent and later keys are not consulted. Text is the one
// exception: it skips empty strings, so "" falls through to the next key.
type Message map[string]any

// ParseMessage decodes one text frame. Anything but a JSON object is rejected.
func ParseMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	return m, nil
}

// Tag returns the dispatch tag from "type", falling back to "event".
func (m Message) Tag() string {
	tag, _ := m.Text("type", "event")
	return strings.TrimSpace(tag)
}

// First returns the first present, non-null value among keys.
func (m Message) First(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether any of keys holds a non-null value.
func (m Message) Has(keys ...string) bool {
	_, ok := m.First(keys...)
	return ok
}

func (m Message) Int(keys ...string) (int, bool) {
	v, ok := m.First(keys...)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	// Saturate before converting; out-of-range float to int is undefined.
	switch {
	case f > math.MaxInt32:
		f = math.MaxInt32
	case f < math.MinInt32:
		f = math.MinInt32
	}
	return int(f), true
}

func (m Message) Float(keys ...string) (float64, bool) {
	v, ok := m.First(keys...)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Text returns the first non-empty string among keys.
func (m Message) Text(keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// TextOr is Text with a fallback for when no key yields a string.
func (m Message) TextOr(fallback string, keys ...string) string {
	if s, ok := m.Text(keys...); ok {
		return s
	}
	return fallback
}

// Truthy reports whether key holds a truthy value: true, a non-zero number,
// a non-empty string, or any object or array.
func (m Message) Truthy(key string) bool {
	switch v := m[key].(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

// Object returns the nested object at key.
func (m Message) Object(key string) (Message, bool) {
	switch v := m[key].(type) {
	case map[string]any:
		return Message(v), true
	case Message:
		return v, true
	default:
		return nil, false
	}
}

// List returns the array held by the first present key.
func (m Message) List(keys ...string) ([]any, bool) {
	v, ok := m.First(keys...)
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok
}

// Strings returns the string elements of the array at key, skipping others.
func (m Message) Strings(key string) []string {
	list, ok := m.List(key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// parseObjects converts a detections array. Non-object items are skipped.
func parseObjects(list []any) []DetectedObject {
	out := make([]DetectedObject, 0, len(list))
	for _, item := range list {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, parseObject(Message(raw)))
	}
	return out
}

func parseObject(m Message) DetectedObject {
	obj := DetectedObject{
		Label: m.TextOr("", "label", "class_name", "name"),
	}
	if c, ok := m.Float("confidence", "score"); ok {
		obj.Confidence = &c
	}
	obj.BoundingBox = parseBox(m)
	return obj
}

// parseBox accepts [x1,y1,x2,y2] under bbox/box or an object with x1..y2.
func parseBox(m Message) *BoundingBox {
	v, ok := m.First("bbox", "box", "bounding_box")
	if !ok {
		return nil
	}
	switch b := v.(type) {
	case []any:
		if len(b) != 4 {
			return nil
		}
		var coords [4]float64
		for i, c := range b {
			f, ok := c.(float64)
			if !ok {
				return nil
			}
			coords[i] = f
		}
		return &BoundingBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	case map[string]any:
		box := Message(b)
		x1, ok1 := box.Float("x1")
		y1, ok2 := box.Float("y1")
		x2, ok3 := box.Float("x2")
		y2, ok4 := box.Float("y2")
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil
		}
		return &BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
	default:
		return nil
	}
}

func parseDetail(m Message, fallbackName string) StepDetail {
	d := StepDetail{
		StepName:         m.TextOr(fallbackName, "step_name"),
		RequiredObjects:  m.Strings("required_objects"),
		DetectedRequired: m.Strings("detected_required"),
		MissingObjects:   m.Strings("missing_objects"),
		StepStatus:       m.TextOr("active", "step_status"),
		Completed:        m.Truthy("completed"),
	}
	d.CurrentStep, _ = m.Int("current_step")
	d.TotalSteps, _ = m.Int("total_steps")
	d.Hint, _ = m.Text("hint")
	d.Progress, _ = m.Float("progress")
	d.TimeOnStep, _ = m.Float("time_on_step")
	return d
}
