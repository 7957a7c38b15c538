package model

import (
	"encoding/json"
	"slices"
)

// EventType discriminates TimelineEvent variants
type EventType string

const (
	EventTypeVideo      EventType = "video"
	EventTypeAudio      EventType = "audio"
	EventTypeImage      EventType = "image"
	EventTypeCaption    EventType = "caption"
	EventTypeTransition EventType = "transition"
)

var ValidEventTypes = []EventType{
	EventTypeVideo, EventTypeAudio, EventTypeImage, EventTypeCaption, EventTypeTransition,
}

// Transition styles
type TransitionStyle string

const (
	TransitionCrossfade TransitionStyle = "crossfade"
	TransitionSlide     TransitionStyle = "slide"
	TransitionWipe      TransitionStyle = "wipe"
)

var ValidTransitionStyles = []TransitionStyle{
	TransitionCrossfade, TransitionSlide, TransitionWipe,
}

// TimelineDocument describes a composition: frame rate, canvas size and timed events.
type TimelineDocument struct {
	FPS        int             `json:"fps" validate:"gt=0"`
	Width      int             `json:"width" validate:"gt=0"`
	Height     int             `json:"height" validate:"gt=0"`
	Background string          `json:"background,omitempty" validate:"omitempty,max=64"`
	Events     []TimelineEvent `json:"events"`
}

// TimelineEvent is a timed interval on the master timeline. Which optional fields
// are meaningful depends on Type.
//
// Start and End are frames; End is exclusive. XPct/YPct are fractions of the
// canvas with the origin at its center.
type TimelineEvent struct {
	ID    string    `json:"id" validate:"required,max=128"`
	Type  EventType `json:"type" validate:"required"`
	Start *int      `json:"start" validate:"required,gte=0"`
	End   *int      `json:"end" validate:"required,gt=0"`
	Layer *int      `json:"layer,omitempty"`

	Scale *float64 `json:"scale,omitempty" validate:"omitempty,gt=0"`
	XPct  *float64 `json:"xPct,omitempty"`
	YPct  *float64 `json:"yPct,omitempty"`

	// video, audio, image
	Src string `json:"src,omitempty" validate:"omitempty,url"`
	// video, audio
	TrimIn  *int `json:"trimIn,omitempty" validate:"omitempty,gte=0"`
	TrimOut *int `json:"trimOut,omitempty" validate:"omitempty,gte=0"`
	// audio
	Volume *float64 `json:"volume,omitempty" validate:"omitempty,gte=0,lte=1"`
	// caption
	Text      *string         `json:"text,omitempty"`
	Animation json.RawMessage `json:"animation,omitempty"`
	// Style is an object of overrides for captions and one of
	// crossfade/slide/wipe for transitions.
	Style json.RawMessage `json:"style,omitempty"`
	// transition, in frames
	Duration *int `json:"duration,omitempty"`
}

// LayerOrZero returns the event layer, treating a missing layer as 0.
func (e TimelineEvent) LayerOrZero() int {
	if e.Layer == nil {
		return 0
	}
	return *e.Layer
}

// StartFrame returns Start or 0 when unset.
func (e TimelineEvent) StartFrame() int {
	if e.Start == nil {
		return 0
	}
	return *e.Start
}

// EndFrame returns End or 0 when unset.
func (e TimelineEvent) EndFrame() int {
	if e.End == nil {
		return 0
	}
	return *e.End
}

// TransitionStyle decodes Style as a transition style string.
func (e TimelineEvent) TransitionStyle() (TransitionStyle, bool) {
	var s string
	if len(e.Style) == 0 || json.Unmarshal(e.Style, &s) != nil {
		return "", false
	}
	return TransitionStyle(s), true
}

// CaptionStyle decodes Style as a caption style map.
func (e TimelineEvent) CaptionStyle() (map[string]any, bool) {
	var m map[string]any
	if len(e.Style) == 0 || json.Unmarshal(e.Style, &m) != nil || m == nil {
		return nil, false
	}
	return m, true
}

// Clone returns a deep copy of d.
func (d TimelineDocument) Clone() TimelineDocument {
	cp := d
	if d.Events != nil {
		cp.Events = make([]TimelineEvent, len(d.Events))
		for i, ev := range d.Events {
			cp.Events[i] = ev.Clone()
		}
	}
	return cp
}

// Clone returns a deep copy of e.
func (e TimelineEvent) Clone() TimelineEvent {
	cp := e
	cp.Start = clonePtr(e.Start)
	cp.End = clonePtr(e.End)
	cp.Layer = clonePtr(e.Layer)
	cp.Scale = clonePtr(e.Scale)
	cp.XPct = clonePtr(e.XPct)
	cp.YPct = clonePtr(e.YPct)
	cp.TrimIn = clonePtr(e.TrimIn)
	cp.TrimOut = clonePtr(e.TrimOut)
	cp.Volume = clonePtr(e.Volume)
	cp.Text = clonePtr(e.Text)
	cp.Animation = slices.Clone(e.Animation)
	cp.Style = slices.Clone(e.Style)
	return cp
}
