package telemetry

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

const (
	defaultPingTimeout = 10 * time.Second

	// Measurement is the InfluxDB measurement thermostat readings go to
	Measurement = "thermostat"
)

// Config describes the InfluxDB server and destination bucket
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Connect creates a client, checks the server is reachable and returns a
// non-blocking write API whose errors are logged
func Connect(ctx context.Context, cfg Config) (influxdb2.Client, api.WriteAPI, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, nil, errors.Wrapf(err, "pinging %s", cfg.URL)
	}
	if !healthy {
		client.Close()
		return nil, nil, errors.Errorf("influxdb at %s is not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	logger := logging.Component("influxdb")
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithError(err).Error("writing points")
		}
	}()

	return client, writeAPI, nil
}

// PointWriter is the part of api.WriteAPI used by the recorder
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder writes thermostat readings to InfluxDB whenever a device reports
// a trait update
type Recorder struct {
	w      PointWriter
	logger *logrus.Entry

	mu       sync.Mutex
	attached map[*sdmapi.Device]struct{}
}

func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{
		w:        w,
		logger:   logging.Component("telemetry"),
		attached: make(map[*sdmapi.Device]struct{}),
	}
}

func (r *Recorder) WithLogger(l *logrus.Entry) *Recorder {
	r.logger = l
	return r
}

// Attach listens to the thermostats in devices; it is meant to be
// registered as a registry refresh hook
func (r *Recorder) Attach(devices []*sdmapi.Device) {
	r.mu.Lock()
	current := make(map[*sdmapi.Device]struct{}, len(devices))
	var added []*sdmapi.Device
	for _, d := range devices {
		if _, ok := d.AsThermostat(); !ok {
			continue
		}
		current[d] = struct{}{}
		if _, ok := r.attached[d]; !ok {
			added = append(added, d)
		}
	}
	r.attached = current
	r.mu.Unlock()

	for _, d := range added {
		d.AddUpdateListener(r.onUpdate)
	}
}

func (r *Recorder) onUpdate(d *sdmapi.Device, _ sdmapi.Document) {
	t, ok := d.AsThermostat()
	if !ok {
		return
	}

	if p := Point(t); p != nil {
		r.logger.Debugf("recording %s", d.ID())
		r.w.WritePoint(p)
	}
}

// Point builds a point from the thermostat's current traits, tagged with
// its ID and display name and timestamped with its last update.  It
// returns nil when no reading is present.
func Point(t sdmapi.Thermostat) *write.Point {
	fields := map[string]interface{}{}

	if v := t.Temperature().AmbientTemperatureCelsius; v != nil {
		fields["temperature_c"] = *v
	}
	if v := t.Humidity().AmbientHumidityPercent; v != nil {
		fields["humidity_pct"] = *v
	}

	setpoint := t.Setpoint()
	if setpoint.HeatCelsius != nil {
		fields["heat_setpoint_c"] = *setpoint.HeatCelsius
	}
	if setpoint.CoolCelsius != nil {
		fields["cool_setpoint_c"] = *setpoint.CoolCelsius
	}

	if v := t.Hvac().Status; v != nil {
		fields["hvac_status"] = *v
	}
	if v := t.Mode().Mode; v != nil {
		fields["mode"] = *v
	}

	if len(fields) == 0 {
		return nil
	}

	ts := t.LastUpdated()
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		Measurement,
		map[string]string{
			"device_id":   t.ID(),
			"device_name": t.DisplayName(),
		},
		fields,
		ts,
	)
}
