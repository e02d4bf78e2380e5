package sdmapi

import (
	"encoding/json"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/pkg/errors"
)

// EventKind classifies a push notification by its top level keys
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventRelationUpdate
	EventResourceUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventRelationUpdate:
		return "relationUpdate"
	case EventResourceUpdate:
		return "resourceUpdate"
	}
	return "unrecognized"
}

// Event is a push notification delivered through Pub/Sub
type Event struct {
	EventID        string          `json:"eventId"`
	Timestamp      string          `json:"timestamp"`
	UserID         string          `json:"userId,omitempty"`
	RelationUpdate json.RawMessage `json:"relationUpdate,omitempty"`
	ResourceUpdate json.RawMessage `json:"resourceUpdate,omitempty"`
}

// ResourceUpdate is the body of a resourceUpdate notification
type ResourceUpdate struct {
	Name   string   `json:"name"`
	Events Document `json:"events,omitempty"`
	Traits Document `json:"traits,omitempty"`
}

// ParseEvent decodes a notification payload
func ParseEvent(data []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrap(err, "decoding event")
	}

	return e, nil
}

// Kind applies the precedence relationUpdate, resourceUpdate, unrecognized
func (e *Event) Kind() EventKind {
	switch {
	case len(e.RelationUpdate) > 0:
		return EventRelationUpdate
	case len(e.ResourceUpdate) > 0:
		return EventResourceUpdate
	}
	return EventUnrecognized
}

// Resource decodes the resourceUpdate body
func (e *Event) Resource() (*ResourceUpdate, error) {
	if len(e.ResourceUpdate) == 0 {
		return nil, errors.New("event has no resourceUpdate")
	}

	ru := &ResourceUpdate{}
	if err := json.Unmarshal(e.ResourceUpdate, ru); err != nil {
		return nil, errors.Wrap(err, "decoding resourceUpdate")
	}

	return ru, nil
}

// Time parses the event timestamp, which carries microseconds and an offset
func (e *Event) Time() (time.Time, error) {
	if e.Timestamp == "" {
		return time.Time{}, errors.New("event has no timestamp")
	}

	dt, err := strfmt.ParseDateTime(e.Timestamp)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing event timestamp %q", e.Timestamp)
	}

	return time.Time(dt), nil
}
