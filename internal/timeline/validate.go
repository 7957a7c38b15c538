// Package timeline validates timeline documents and resolves their paint order.
package timeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/model"
)

// DocumentIndex is the index reported for document-level validation errors.
const DocumentIndex = -1

// Validator checks TimelineDocuments. It wraps a go-playground validator
// configured to report JSON field names.
type Validator struct {
	v *validator.Validate
}

// NewValidator configures v for timeline documents.
func NewValidator(v *validator.Validate) *Validator {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
)

// Default returns a shared Validator.
func Default() *Validator {
	defaultOnce.Do(func() {
		defaultValidator = NewValidator(validator.New())
	})
	return defaultValidator
}

// Validate checks doc with the default Validator.
func Validate(doc *model.TimelineDocument) error {
	return Default().Validate(doc)
}

// Parse decodes and validates a timeline document with the default Validator.
func Parse(data []byte) (*model.TimelineDocument, error) {
	return Default().Parse(data)
}

// Validate checks, in order: canvas fields, the events list, type-specific
// required fields, start < end, trimIn <= trimOut and id uniqueness. The first
// violation is returned as a VALIDATION_ERROR carrying the event index and field.
func (tv *Validator) Validate(doc *model.TimelineDocument) error {
	if doc == nil {
		return apperr.Validation(DocumentIndex, "", "timeline is required")
	}
	if err := tv.validateCanvas(doc); err != nil {
		return err
	}
	if doc.Events == nil {
		return apperr.Validation(DocumentIndex, "events", "events must be a list")
	}

	for i := range doc.Events {
		if err := tv.validateFields(i, &doc.Events[i]); err != nil {
			return err
		}
	}

	for i, ev := range doc.Events {
		if *ev.Start >= *ev.End {
			return apperr.Validation(i, "end", fmt.Sprintf("event %q: end (%d) must be greater than start (%d)", ev.ID, *ev.End, *ev.Start))
		}
	}

	for i, ev := range doc.Events {
		if ev.TrimIn != nil && ev.TrimOut != nil && *ev.TrimIn > *ev.TrimOut {
			return apperr.Validation(i, "trimIn", fmt.Sprintf("event %q: trimIn (%d) must not exceed trimOut (%d)", ev.ID, *ev.TrimIn, *ev.TrimOut))
		}
	}

	seen := make(map[string]int, len(doc.Events))
	for i, ev := range doc.Events {
		if first, ok := seen[ev.ID]; ok {
			return apperr.Validation(i, "id", fmt.Sprintf("duplicate event id %q (first used by event %d)", ev.ID, first))
		}
		seen[ev.ID] = i
	}

	return nil
}

func (tv *Validator) validateCanvas(doc *model.TimelineDocument) error {
	if err := tv.v.Struct(doc); err != nil {
		return fieldError(DocumentIndex, err)
	}
	return nil
}

func (tv *Validator) validateFields(i int, ev *model.TimelineEvent) error {
	if err := tv.v.Struct(ev); err != nil {
		return fieldError(i, err)
	}

	switch ev.Type {
	case model.EventTypeVideo, model.EventTypeAudio, model.EventTypeImage:
		if ev.Src == "" {
			return apperr.Validation(i, "src", fmt.Sprintf("src is required for %s events", ev.Type))
		}
	case model.EventTypeCaption:
		if ev.Text == nil {
			return apperr.Validation(i, "text", "text is required for caption events")
		}
		if len(ev.Style) > 0 && !isNull(ev.Style) {
			if _, ok := ev.CaptionStyle(); !ok {
				return apperr.Validation(i, "style", "caption style must be an object")
			}
		}
	case model.EventTypeTransition:
		style, ok := ev.TransitionStyle()
		if !ok {
			return apperr.Validation(i, "style", "style is required for transition events")
		}
		if !validTransitionStyle(style) {
			return apperr.Validation(i, "style", fmt.Sprintf("style must be one of crossfade, slide, wipe (got %q)", style))
		}
		if ev.Duration == nil {
			return apperr.Validation(i, "duration", "duration is required for transition events")
		}
		if *ev.Duration <= 0 {
			return apperr.Validation(i, "duration", "duration must be greater than 0")
		}
	default:
		return apperr.Validation(i, "type", fmt.Sprintf("unknown event type %q", ev.Type))
	}

	return nil
}

// Parse decodes data into a TimelineDocument and validates it. Decoding
// problems are reported as validation errors with the same index/field shape.
func (tv *Validator) Parse(data []byte) (*model.TimelineDocument, error) {
	var head struct {
		FPS        json.RawMessage `json:"fps"`
		Width      json.RawMessage `json:"width"`
		Height     json.RawMessage `json:"height"`
		Background *string         `json:"background"`
		Events     json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperr.Validation(DocumentIndex, "", "timeline must be a JSON object")
	}

	doc := &model.TimelineDocument{}
	if head.Background != nil {
		doc.Background = *head.Background
	}
	for _, f := range []struct {
		name string
		raw  json.RawMessage
		dst  *int
	}{
		{"fps", head.FPS, &doc.FPS},
		{"width", head.Width, &doc.Width},
		{"height", head.Height, &doc.Height},
	} {
		if len(f.raw) == 0 || isNull(f.raw) {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, apperr.Validation(DocumentIndex, f.name, f.name+" must be a positive integer")
		}
	}
	if err := tv.validateCanvas(doc); err != nil {
		return nil, err
	}

	if len(head.Events) == 0 || isNull(head.Events) {
		return nil, apperr.Validation(DocumentIndex, "events", "events must be a list")
	}
	var rawEvents []json.RawMessage
	if err := json.Unmarshal(head.Events, &rawEvents); err != nil {
		return nil, apperr.Validation(DocumentIndex, "events", "events must be a list")
	}

	doc.Events = make([]model.TimelineEvent, len(rawEvents))
	for i, raw := range rawEvents {
		if err := json.Unmarshal(raw, &doc.Events[i]); err != nil {
			field := ""
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				field = typeErr.Field
			}
			msg := "event must be an object"
			if field != "" {
				msg = fmt.Sprintf("%s has the wrong type (expected %s)", field, typeErr.Type)
			}
			return nil, apperr.Validation(i, field, msg)
		}
	}

	if err := tv.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fieldError(index int, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation(index, "", err.Error())
	}

	fe := verrs[0]
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "gt":
		msg = fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		msg = fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		msg = fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "url":
		msg = field + " must be a valid URL"
	default:
		msg = fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
	return apperr.Validation(index, field, msg)
}

func validTransitionStyle(s model.TransitionStyle) bool {
	for _, v := range model.ValidTransitionStyles {
		if v == s {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
