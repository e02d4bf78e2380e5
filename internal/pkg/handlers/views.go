package handlers

import (
	"time"

	"github.com/go-openapi/swag"

	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

// DeviceView is the JSON rendering of a device
type DeviceView struct {
	Name        string          `json:"name"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	DisplayName string          `json:"displayName"`
	Connected   bool            `json:"connected"`
	LastUpdated *time.Time      `json:"lastUpdated,omitempty"`
	Thermostat  *ThermostatView `json:"thermostat,omitempty"`
	Traits      sdmapi.Document `json:"traits"`
}

// ThermostatView summarises the thermostat traits; unreported readings are
// left out
type ThermostatView struct {
	Mode               string   `json:"mode,omitempty"`
	EcoMode            string   `json:"ecoMode,omitempty"`
	HvacStatus         string   `json:"hvacStatus,omitempty"`
	FanTimer           string   `json:"fanTimer,omitempty"`
	TemperatureCelsius *float64 `json:"ambientTemperatureCelsius,omitempty"`
	HumidityPercent    *float64 `json:"ambientHumidityPercent,omitempty"`
	HeatCelsius        *float64 `json:"heatCelsius,omitempty"`
	CoolCelsius        *float64 `json:"coolCelsius,omitempty"`
	Scale              string   `json:"temperatureScale,omitempty"`
}

func NewDeviceView(d *sdmapi.Device) DeviceView {
	v := DeviceView{
		Name:        d.Name,
		ID:          d.ID(),
		Type:        d.Type.String(),
		DisplayName: d.DisplayName(),
		Connected:   d.Connected(),
		Traits:      d.Traits(),
	}

	if ts := d.LastUpdated(); !ts.IsZero() {
		v.LastUpdated = swag.Time(ts)
	}

	if t, ok := d.AsThermostat(); ok {
		v.Thermostat = newThermostatView(t)
	}

	return v
}

func newThermostatView(t sdmapi.Thermostat) *ThermostatView {
	setpoint := t.Setpoint()

	return &ThermostatView{
		Mode:               swag.StringValue(t.Mode().Mode),
		EcoMode:            swag.StringValue(t.Eco().Mode),
		HvacStatus:         swag.StringValue(t.Hvac().Status),
		FanTimer:           swag.StringValue(t.Fan().TimerMode),
		TemperatureCelsius: t.Temperature().AmbientTemperatureCelsius,
		HumidityPercent:    t.Humidity().AmbientHumidityPercent,
		HeatCelsius:        setpoint.HeatCelsius,
		CoolCelsius:        setpoint.CoolCelsius,
		Scale:              swag.StringValue(t.Settings().TemperatureScale),
	}
}

// StructureView is the JSON rendering of a structure
type StructureView struct {
	Name        string          `json:"name"`
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Rooms       []RoomView      `json:"rooms,omitempty"`
	Traits      sdmapi.Document `json:"traits"`
}

type RoomView struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func NewStructureView(s *sdmapi.Structure, rooms []*sdmapi.Room) StructureView {
	v := StructureView{
		Name:        s.Name,
		ID:          s.ID(),
		DisplayName: swag.StringValue(s.Info().CustomName),
		Traits:      s.Traits(),
	}

	for _, r := range rooms {
		v.Rooms = append(v.Rooms, RoomView{
			Name:        r.Name,
			ID:          r.ID(),
			DisplayName: swag.StringValue(r.Info().CustomName),
		})
	}

	return v
}
