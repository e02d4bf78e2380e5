package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func device(t *testing.T, devType string, traits map[string]interface{}) *sdmapi.Device {
	d, err := sdmapi.NewDevice(nil, sdmapi.Document{
		"name":   "enterprises/p/devices/d1",
		"type":   devType,
		"traits": traits,
	})
	if err != nil {
		t.Fatalf("creating device: %v", err)
	}
	return d
}

func apply(t *testing.T, d *sdmapi.Device, payload string) {
	ev, err := sdmapi.ParseEvent([]byte(payload))
	if err != nil {
		t.Fatalf("parsing event: %v", err)
	}
	if err := d.ApplyEvent(ev); err != nil {
		t.Fatalf("applying event: %v", err)
	}
}

func fieldMap(p *write.Point) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func TestRecorderWritesThermostatReadings(t *testing.T) {
	d := device(t, "sdm.devices.types.THERMOSTAT", map[string]interface{}{
		"sdm.devices.traits.Info":     map[string]interface{}{"customName": "Hall"},
		"sdm.devices.traits.Humidity": map[string]interface{}{"ambientHumidityPercent": 40.0},
	})

	w := &fakeWriter{}
	NewRecorder(w).Attach([]*sdmapi.Device{d})

	apply(t, d, `{"eventId":"e1","timestamp":"2024-01-01T00:00:00Z","resourceUpdate":{"name":"enterprises/p/devices/d1","traits":{"sdm.devices.traits.Temperature":{"ambientTemperatureCelsius":20.5}}}}`)

	if len(w.points) != 1 {
		t.Fatalf("expected one point, got %d", len(w.points))
	}
	p := w.points[0]

	if p.Name() != Measurement {
		t.Errorf("unexpected measurement %s", p.Name())
	}
	if !p.Time().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected event timestamp, got %v", p.Time())
	}

	tags := tagMap(p)
	if tags["device_id"] != "d1" || tags["device_name"] != "Hall" {
		t.Errorf("unexpected tags %v", tags)
	}

	fields := fieldMap(p)
	if fields["temperature_c"] != 20.5 || fields["humidity_pct"] != 40.0 {
		t.Errorf("unexpected fields %v", fields)
	}
	if _, ok := fields["heat_setpoint_c"]; ok {
		t.Errorf("expected absent setpoint to be left out")
	}
}

func TestRecorderIgnoresOtherDevices(t *testing.T) {
	cam := device(t, "sdm.devices.types.CAMERA", map[string]interface{}{})

	w := &fakeWriter{}
	NewRecorder(w).Attach([]*sdmapi.Device{cam})

	apply(t, cam, `{"eventId":"e1","timestamp":"2024-01-01T00:00:00Z","resourceUpdate":{"name":"enterprises/p/devices/d1","traits":{"sdm.devices.traits.Temperature":{"ambientTemperatureCelsius":20.5}}}}`)

	if len(w.points) != 0 {
		t.Errorf("expected no points for a camera")
	}
}

func TestPointWithoutReadings(t *testing.T) {
	d := device(t, "sdm.devices.types.THERMOSTAT", map[string]interface{}{})
	th, _ := d.AsThermostat()

	if p := Point(th); p != nil {
		t.Errorf("expected nil point, got %v", fieldMap(p))
	}
}
