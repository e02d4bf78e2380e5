package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/nest-sdm/internal/pkg/pubsubapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmauth"
)

const thermostatName = "enterprises/project-1/devices/thermo-1"

type fakeMessage struct {
	id   string
	data []byte

	mu    sync.Mutex
	acks  int
	nacks int
}

func (m *fakeMessage) ID() string             { return m.id }
func (m *fakeMessage) Data() []byte           { return m.data }
func (m *fakeMessage) PublishTime() time.Time { return time.Time{} }

func (m *fakeMessage) Ack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMessage) Nack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks++
	return nil
}

func (m *fakeMessage) outcome() (acks, nacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks, m.nacks
}

func newMessage(payload string) *fakeMessage {
	return &fakeMessage{id: "m", data: []byte(payload)}
}

// fakeDirectory stands in for both registries
type fakeDirectory struct {
	build func() []*sdmapi.Device

	mu      sync.Mutex
	devices []*sdmapi.Device
	lists   int
	forced  int
}

func (f *fakeDirectory) List(ctx context.Context, forceRefresh bool) ([]*sdmapi.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lists++
	if forceRefresh {
		f.forced++
	}
	if f.devices == nil || forceRefresh {
		f.devices = f.build()
	}
	return f.devices, nil
}

func (f *fakeDirectory) Lookup(name string) (*sdmapi.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

type fakeStructures struct {
	mu     sync.Mutex
	forced int
	err    error
}

func (f *fakeStructures) List(ctx context.Context, forceRefresh bool) ([]*sdmapi.Structure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if forceRefresh {
		f.forced++
	}
	return nil, f.err
}

func thermostatDirectory(t *testing.T) *fakeDirectory {
	return &fakeDirectory{build: func() []*sdmapi.Device {
		d, err := sdmapi.NewDevice(nil, sdmapi.Document{
			"name":   thermostatName,
			"type":   "sdm.devices.types.THERMOSTAT",
			"traits": map[string]interface{}{},
		})
		if err != nil {
			t.Fatalf("creating device: %v", err)
		}
		return []*sdmapi.Device{d}
	}}
}

func primed(t *testing.T, dir *fakeDirectory) *sdmapi.Device {
	devices, _ := dir.List(context.Background(), false)
	return devices[0]
}

func TestEndToEndThermostatUpdate(t *testing.T) {
	dir := thermostatDirectory(t)
	device := primed(t, dir)

	var calls []sdmapi.Document
	device.AddUpdateListener(func(_ *sdmapi.Device, traits sdmapi.Document) { calls = append(calls, traits) })

	msg := newMessage(`{"resourceUpdate":{"name":"` + thermostatName + `","traits":{"sdm.devices.traits.ThermostatMode":{"mode":"HEAT"}}},"timestamp":"2024-01-01T00:00:00.000000Z","eventId":"e1"}`)
	NewDispatcher(dir, nil).Handle(context.Background(), msg)

	if acks, nacks := msg.outcome(); acks != 1 || nacks != 0 {
		t.Errorf("expected ack, got %d acks %d nacks", acks, nacks)
	}

	want := `{"sdm.devices.traits.ThermostatMode":{"mode":"HEAT"}}`
	if got, _ := json.Marshal(device.Traits()); string(got) != want {
		t.Errorf("expected traits %s, got %s", want, got)
	}
	if !device.LastUpdated().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected last updated to advance, got %v", device.LastUpdated())
	}
	if len(calls) != 1 {
		t.Fatalf("expected one listener call, got %d", len(calls))
	}
	if got, _ := json.Marshal(calls[0]); string(got) != want {
		t.Errorf("expected listener to get %s, got %s", want, got)
	}
}

func TestUnknownDeviceIsRejected(t *testing.T) {
	dir := thermostatDirectory(t)
	device := primed(t, dir)
	before := device.Traits()

	msg := newMessage(`{"resourceUpdate":{"name":"enterprises/project-1/devices/other","traits":{"sdm.devices.traits.ThermostatMode":{"mode":"HEAT"}}},"timestamp":"2024-01-01T00:00:00.000000Z","eventId":"e1"}`)
	NewDispatcher(dir, nil).Handle(context.Background(), msg)

	if acks, nacks := msg.outcome(); acks != 0 || nacks != 1 {
		t.Errorf("expected nack, got %d acks %d nacks", acks, nacks)
	}
	if len(device.Traits()) != len(before) || !device.LastUpdated().IsZero() {
		t.Errorf("expected registered device untouched")
	}
	if dir.forced != 0 {
		t.Errorf("expected no registry refresh")
	}
}

func TestStaleEventIsAcked(t *testing.T) {
	dir := thermostatDirectory(t)
	device := primed(t, dir)
	d := NewDispatcher(dir, nil)

	first := newMessage(`{"resourceUpdate":{"name":"` + thermostatName + `","traits":{"sdm.devices.traits.Temperature":{"ambientTemperatureCelsius":21}}},"timestamp":"2024-01-01T00:00:10.000000Z","eventId":"e1"}`)
	stale := newMessage(`{"resourceUpdate":{"name":"` + thermostatName + `","traits":{"sdm.devices.traits.Temperature":{"ambientTemperatureCelsius":5}}},"timestamp":"2024-01-01T00:00:09.000000Z","eventId":"e0"}`)

	d.Handle(context.Background(), first)
	d.Handle(context.Background(), stale)

	if acks, _ := stale.outcome(); acks != 1 {
		t.Errorf("expected stale event to be acked")
	}

	temp := &sdmapi.Temperature{}
	device.Trait(temp)
	if temp.AmbientTemperatureCelsius == nil || *temp.AmbientTemperatureCelsius != 21 {
		t.Errorf("expected temperature to stay 21, got %v", temp.AmbientTemperatureCelsius)
	}
}

func TestRelationUpdateRefreshesRegistries(t *testing.T) {
	dir := thermostatDirectory(t)
	old := primed(t, dir)
	structures := &fakeStructures{err: errors.New("structures unavailable")}

	msg := newMessage(`{"eventId":"e2","timestamp":"2024-01-01T00:00:00.000000Z","relationUpdate":{"type":"UPDATED","subject":"` + thermostatName + `","object":"enterprises/project-1/structures/s1"},"resourceUpdate":{"name":"` + thermostatName + `"}}`)
	NewDispatcher(dir, structures).Handle(context.Background(), msg)

	if acks, nacks := msg.outcome(); acks != 1 || nacks != 0 {
		t.Errorf("expected ack even when a refresh fails, got %d acks %d nacks", acks, nacks)
	}
	if dir.forced != 1 || structures.forced != 1 {
		t.Errorf("expected forced refresh of both registries, got %d and %d", dir.forced, structures.forced)
	}

	current, _ := dir.Lookup(thermostatName)
	if current == old {
		t.Errorf("expected new device instance after relation update")
	}
}

func TestUnrecognizedAndUndecodableAreRejected(t *testing.T) {
	dir := thermostatDirectory(t)
	primed(t, dir)
	d := NewDispatcher(dir, nil)

	for _, payload := range []string{
		`{"eventId":"e3","timestamp":"2024-01-01T00:00:00.000000Z","somethingNew":{}}`,
		`not json at all`,
		`{"eventId":"e4","timestamp":"2024-01-01T00:00:00.000000Z","resourceUpdate":{"name":"` + thermostatName + `"}}`,
	} {
		msg := newMessage(payload)
		d.Handle(context.Background(), msg)

		if acks, nacks := msg.outcome(); acks != 0 || nacks != 1 {
			t.Errorf("%s: expected nack, got %d acks %d nacks", payload, acks, nacks)
		}
	}
}

// sliceSource delivers its messages then waits for cancellation
type sliceSource struct {
	messages []*fakeMessage
	cancel   context.CancelFunc
}

func (s *sliceSource) Receive(ctx context.Context, h pubsubapi.Handler) error {
	for _, m := range s.messages {
		if ctx.Err() != nil {
			break
		}
		h(ctx, m)
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-ctx.Done()
	return nil
}

func TestRunPrimesRegistriesThenDispatches(t *testing.T) {
	dir := thermostatDirectory(t)
	structures := &fakeStructures{}

	msg := newMessage(`{"resourceUpdate":{"name":"` + thermostatName + `","traits":{"sdm.devices.traits.ThermostatMode":{"mode":"COOL"}}},"timestamp":"2024-01-01T00:00:00.000000Z","eventId":"e1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &sliceSource{messages: []*fakeMessage{msg}, cancel: cancel}
	if err := NewDispatcher(dir, structures).Run(ctx, src); err != nil {
		t.Fatalf("run: %v", err)
	}

	if dir.lists != 1 || dir.forced != 0 {
		t.Errorf("expected a single unforced list, got %d lists %d forced", dir.lists, dir.forced)
	}
	if acks, _ := msg.outcome(); acks != 1 {
		t.Errorf("expected message acked")
	}
}

func TestRunFailsWhenRegistriesCannotLoad(t *testing.T) {
	structures := &fakeStructures{err: errors.New("boom")}

	err := NewDispatcher(thermostatDirectory(t), structures).Run(context.Background(), &sliceSource{})
	if err == nil {
		t.Errorf("expected error when structures cannot be loaded")
	}
}

// scriptedRequester answers each request with the next canned response and
// repeats the last one once the script runs out
type scriptedRequester struct {
	mu        sync.Mutex
	responses []sdmauth.RawResponse
	calls     int
}

func (s *scriptedRequester) Do(ctx context.Context, method, url string, body []byte, inspect sdmauth.Inspector) (*sdmauth.RawResponse, error) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	resp := s.responses[i]
	s.mu.Unlock()

	if inspect != nil {
		if err := inspect(&resp); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

func TestFailedRelationRefreshKeepsRouting(t *testing.T) {
	api := &scriptedRequester{responses: []sdmauth.RawResponse{
		{StatusCode: 200, Body: []byte(`{"devices":[{"name":"` + thermostatName + `","type":"sdm.devices.types.THERMOSTAT","traits":{}}]}`)},
		{StatusCode: 503, Body: []byte(`{"error":{"code":503,"message":"unavailable"}}`)},
	}}
	devices := sdmapi.NewDeviceRegistry(sdmapi.NewClient("project-1", api))

	ctx := context.Background()
	if _, err := devices.List(ctx, false); err != nil {
		t.Fatalf("priming devices: %v", err)
	}

	d := NewDispatcher(devices, &fakeStructures{})

	relation := newMessage(`{"relationUpdate":{"type":"CREATED","subject":"s","object":"o"},"timestamp":"2024-01-01T00:00:00.000000Z","eventId":"r1"}`)
	d.Handle(ctx, relation)
	if acks, _ := relation.outcome(); acks != 1 {
		t.Fatalf("expected relation update to be acked")
	}

	for i, ts := range []string{"2024-01-01T00:00:01.000000Z", "2024-01-01T00:00:02.000000Z", "2024-01-01T00:00:03.000000Z"} {
		msg := newMessage(`{"resourceUpdate":{"name":"` + thermostatName + `","traits":{"sdm.devices.traits.ThermostatMode":{"mode":"HEAT"}}},"timestamp":"` + ts + `","eventId":"e"}`)
		d.Handle(ctx, msg)
		if acks, nacks := msg.outcome(); acks != 1 || nacks != 0 {
			t.Errorf("update %d: expected ack, got %d acks %d nacks", i, acks, nacks)
		}
	}

	if api.calls != 2 {
		t.Errorf("expected two device fetches, got %d", api.calls)
	}
}
