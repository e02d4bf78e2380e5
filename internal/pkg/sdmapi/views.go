package sdmapi

import (
	"context"
	"time"
)

// Thermostat is the view of a thermostat device
type Thermostat struct {
	*Device
}

func (d *Device) AsThermostat() (Thermostat, bool) {
	return Thermostat{d}, d.Type == DeviceTypeThermostat
}

func (t Thermostat) Fan() *Fan {
	v := &Fan{}
	t.Trait(v)
	return v
}

func (t Thermostat) Humidity() *Humidity {
	v := &Humidity{}
	t.Trait(v)
	return v
}

func (t Thermostat) Settings() *Settings {
	v := &Settings{}
	t.Trait(v)
	return v
}

func (t Thermostat) Temperature() *Temperature {
	v := &Temperature{}
	t.Trait(v)
	return v
}

func (t Thermostat) Eco() *ThermostatEco {
	v := &ThermostatEco{}
	t.Trait(v)
	return v
}

func (t Thermostat) Hvac() *ThermostatHvac {
	v := &ThermostatHvac{}
	t.Trait(v)
	return v
}

func (t Thermostat) Mode() *ThermostatMode {
	v := &ThermostatMode{}
	t.Trait(v)
	return v
}

func (t Thermostat) Setpoint() *ThermostatTemperatureSetpoint {
	v := &ThermostatTemperatureSetpoint{}
	t.Trait(v)
	return v
}

func (t Thermostat) SetFanTimer(ctx context.Context, timerMode string, duration time.Duration) error {
	_, err := t.ExecuteCommand(ctx, NewFanTimerCommand(timerMode, duration))
	return err
}

func (t Thermostat) SetEco(ctx context.Context, mode string) error {
	_, err := t.ExecuteCommand(ctx, NewThermostatEcoCommand(mode))
	return err
}

func (t Thermostat) SetMode(ctx context.Context, mode string) error {
	_, err := t.ExecuteCommand(ctx, NewThermostatModeCommand(mode))
	return err
}

func (t Thermostat) SetHeat(ctx context.Context, celsius float64) error {
	_, err := t.ExecuteCommand(ctx, NewThermostatTemperatureSetpointHeatCommand(celsius))
	return err
}

func (t Thermostat) SetCool(ctx context.Context, celsius float64) error {
	_, err := t.ExecuteCommand(ctx, NewThermostatTemperatureSetpointCoolCommand(celsius))
	return err
}

func (t Thermostat) SetRange(ctx context.Context, heatCelsius, coolCelsius float64) error {
	_, err := t.ExecuteCommand(ctx, NewThermostatTemperatureSetpointRangeCommand(heatCelsius, coolCelsius))
	return err
}

// Camera is the view of a camera; doorbells and displays share its traits
type Camera struct {
	*Device
}

func (d *Device) AsCamera() (Camera, bool) {
	switch d.Type {
	case DeviceTypeCamera, DeviceTypeDoorbell, DeviceTypeDisplay:
		return Camera{d}, true
	}
	return Camera{d}, false
}

func (c Camera) Image() *CameraImage {
	v := &CameraImage{}
	c.Trait(v)
	return v
}

func (c Camera) LiveStream() *CameraLiveStream {
	v := &CameraLiveStream{}
	c.Trait(v)
	return v
}

func (c Camera) SupportsMotion() bool {
	return c.Trait(&CameraMotion{})
}

func (c Camera) SupportsPerson() bool {
	return c.Trait(&CameraPerson{})
}

func (c Camera) SupportsSound() bool {
	return c.Trait(&CameraSound{})
}

func (c Camera) SupportsEventImage() bool {
	return c.Trait(&CameraEventImage{})
}

type Doorbell struct {
	Camera
}

func (d *Device) AsDoorbell() (Doorbell, bool) {
	return Doorbell{Camera{d}}, d.Type == DeviceTypeDoorbell
}

func (d Doorbell) SupportsChime() bool {
	return d.Trait(&DoorbellChime{})
}

type Display struct {
	Camera
}

func (d *Device) AsDisplay() (Display, bool) {
	return Display{Camera{d}}, d.Type == DeviceTypeDisplay
}
