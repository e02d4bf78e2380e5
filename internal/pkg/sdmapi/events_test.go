package sdmapi

import (
	"testing"
	"time"
)

func TestEventKind(t *testing.T) {
	tests := []struct {
		payload string
		want    EventKind
	}{
		{`{"eventId":"1","relationUpdate":{"type":"CREATED","subject":"a","object":"b"}}`, EventRelationUpdate},
		{`{"eventId":"2","resourceUpdate":{"name":"d","traits":{}}}`, EventResourceUpdate},
		{`{"eventId":"3","relationUpdate":{},"resourceUpdate":{"name":"d"}}`, EventRelationUpdate},
		{`{"eventId":"4","somethingElse":{}}`, EventUnrecognized},
		{`{"eventId":"5"}`, EventUnrecognized},
	}

	for _, tt := range tests {
		ev, err := ParseEvent([]byte(tt.payload))
		if err != nil {
			t.Fatalf("parsing %s: %v", tt.payload, err)
		}
		if got := ev.Kind(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.payload, tt.want, got)
		}
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	if _, err := ParseEvent([]byte("not json")); err == nil {
		t.Errorf("expected error")
	}
	if _, err := ParseEvent([]byte(`["array"]`)); err == nil {
		t.Errorf("expected error for a non-object")
	}
}

func TestEventTime(t *testing.T) {
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"2024-01-01T00:00:00.000000Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2020-10-10T07:09:06.851545Z", time.Date(2020, 10, 10, 7, 9, 6, 851545000, time.UTC)},
		{"2024-06-01T12:00:00.5+02:00", time.Date(2024, 6, 1, 10, 0, 0, 500000000, time.UTC)},
	}

	for _, tt := range tests {
		ev := &Event{Timestamp: tt.ts}
		got, err := ev.Time()
		if err != nil {
			t.Errorf("%s: %v", tt.ts, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.ts, tt.want, got)
		}
	}

	if _, err := (&Event{}).Time(); err == nil {
		t.Errorf("expected error for a missing timestamp")
	}
}

func TestEventResource(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"resourceUpdate":{"name":"enterprises/p/devices/d","events":{"sdm.devices.events.DoorbellChime.Chime":{"eventId":"x"}}}}`))
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}

	ru, err := ev.Resource()
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if ru.Name != "enterprises/p/devices/d" || ru.Events == nil || ru.Traits != nil {
		t.Errorf("unexpected resource update %+v", ru)
	}
}
