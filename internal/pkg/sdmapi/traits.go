package sdmapi

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/pkg/errors"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
)

/*
 *   Supported Google Smart Device Management trait identifiers and names
 */

type traitID int

const (
	sdmStructuresTraitsInfo traitID = iota
	sdmStructuresTraitsRoomInfo
	sdmDevicesTraitsConnectivity
	sdmDevicesTraitsFan
	sdmDevicesTraitsHumidity
	sdmDevicesTraitsInfo
	sdmDevicesTraitsSettings
	sdmDevicesTraitsTemperature
	sdmDevicesTraitsThermostatEco
	sdmDevicesTraitsThermostatMode
	sdmDevicesTraitsThermostatHvac
	sdmDevicesTraitsThermostatTemperatureSetpoint
	sdmDevicesTraitsCameraImage
	sdmDevicesTraitsCameraLiveStream
	sdmDevicesTraitsCameraMotion
	sdmDevicesTraitsCameraPerson
	sdmDevicesTraitsCameraSound
	sdmDevicesTraitsCameraEventImage
	sdmDevicesTraitsDoorbellChime
)

var traitNames = []string{
	"sdm.structures.traits.Info",
	"sdm.structures.traits.RoomInfo",
	"sdm.devices.traits.Connectivity",
	"sdm.devices.traits.Fan",
	"sdm.devices.traits.Humidity",
	"sdm.devices.traits.Info",
	"sdm.devices.traits.Settings",
	"sdm.devices.traits.Temperature",
	"sdm.devices.traits.ThermostatEco",
	"sdm.devices.traits.ThermostatMode",
	"sdm.devices.traits.ThermostatHvac",
	"sdm.devices.traits.ThermostatTemperatureSetpoint",
	"sdm.devices.traits.CameraImage",
	"sdm.devices.traits.CameraLiveStream",
	"sdm.devices.traits.CameraMotion",
	"sdm.devices.traits.CameraPerson",
	"sdm.devices.traits.CameraSound",
	"sdm.devices.traits.CameraEventImage",
	"sdm.devices.traits.DoorbellChime",
}

// KnownTrait reports whether name is one of the trait kinds this package
// can project
func KnownTrait(name string) bool {
	for _, val := range traitNames {
		if val == name {
			return true
		}
	}

	return false
}

// return the name of a trait
func (id traitID) Name() string {
	if int(id) >= len(traitNames) {
		return fmt.Sprintf("unknown (id: %d)", id)
	}

	return traitNames[id]
}

// Trait is a typed, read-only view of one entry of a trait bag
type Trait interface {
	TraitName() string
}

// Project fills t from the matching entry of bag and reports whether the
// entry was present.  Keys missing from the entry leave their field unset; a
// key holding a value of the wrong type is dropped.
func Project(bag Document, t Trait) bool {
	entry, ok := bag.Document(t.TraitName())
	if !ok {
		return false
	}

	entry = entry.Clone()
	for len(entry) > 0 {
		err := entry.Decode(t)
		if err == nil {
			break
		}

		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) || typeErr.Field == "" {
			logging.Logger(nil).Debugf("Ignoring undecodable trait [%s]: %v", t.TraitName(), err)
			break
		}

		key := strings.SplitN(typeErr.Field, ".", 2)[0]
		if _, found := entry[key]; !found {
			logging.Logger(nil).Debugf("Ignoring undecodable trait [%s]: %v", t.TraitName(), err)
			break
		}

		logging.Logger(nil).Debugf("Ignoring trait field [%s.%s]: %v", t.TraitName(), key, err)
		delete(entry, key)
		resetTrait(t)
	}

	return true
}

type resetter interface {
	reset()
}

// resetTrait clears any fields a failed decode left behind
func resetTrait(t Trait) {
	if r, ok := t.(resetter); ok {
		r.reset()
	}
}

type StructureInfo struct {
	CustomName *string `json:"customName,omitempty"`
}

func (t *StructureInfo) TraitName() string { return sdmStructuresTraitsInfo.Name() }
func (t *StructureInfo) reset()            { *t = StructureInfo{} }

type RoomInfo struct {
	CustomName *string `json:"customName,omitempty"`
}

func (t *RoomInfo) TraitName() string { return sdmStructuresTraitsRoomInfo.Name() }
func (t *RoomInfo) reset()            { *t = RoomInfo{} }

type Info struct {
	CustomName *string `json:"customName,omitempty"`
}

func (t *Info) TraitName() string { return sdmDevicesTraitsInfo.Name() }
func (t *Info) reset()            { *t = Info{} }

type Connectivity struct {
	Status *string `json:"status,omitempty"`
}

func (t *Connectivity) TraitName() string { return sdmDevicesTraitsConnectivity.Name() }
func (t *Connectivity) reset()            { *t = Connectivity{} }

func (t *Connectivity) Online() bool {
	return t.Status != nil && *t.Status == "ONLINE"
}

const (
	FanTimerOn  = "ON"
	FanTimerOff = "OFF"
)

type Fan struct {
	TimerMode    *string `json:"timerMode,omitempty"`
	TimerTimeout *string `json:"timerTimeout,omitempty"`
}

func (t *Fan) TraitName() string { return sdmDevicesTraitsFan.Name() }
func (t *Fan) reset()            { *t = Fan{} }

func (t *Fan) TimerEnabled() bool {
	return t.TimerMode != nil && *t.TimerMode == FanTimerOn
}

// Timeout returns the time the fan timer runs out, if one is set
func (t *Fan) Timeout() (time.Time, bool) {
	if t.TimerTimeout == nil {
		return time.Time{}, false
	}

	dt, err := strfmt.ParseDateTime(*t.TimerTimeout)
	if err != nil {
		return time.Time{}, false
	}

	return time.Time(dt), true
}

type Humidity struct {
	AmbientHumidityPercent *float64 `json:"ambientHumidityPercent,omitempty"`
}

func (t *Humidity) TraitName() string { return sdmDevicesTraitsHumidity.Name() }
func (t *Humidity) reset()            { *t = Humidity{} }

type TemperatureScale int

const (
	TemperatureScaleUnknown TemperatureScale = iota
	TemperatureScaleCelsius
	TemperatureScaleFahrenheit
)

type Settings struct {
	TemperatureScale *string `json:"temperatureScale,omitempty"`
}

func (t *Settings) TraitName() string { return sdmDevicesTraitsSettings.Name() }
func (t *Settings) reset()            { *t = Settings{} }

func (t *Settings) Scale() TemperatureScale {
	if t.TemperatureScale == nil {
		return TemperatureScaleUnknown
	}

	switch *t.TemperatureScale {
	case "CELSIUS":
		return TemperatureScaleCelsius
	case "FAHRENHEIT":
		return TemperatureScaleFahrenheit
	}

	return TemperatureScaleUnknown
}

type Temperature struct {
	AmbientTemperatureCelsius *float64 `json:"ambientTemperatureCelsius,omitempty"`
}

func (t *Temperature) TraitName() string { return sdmDevicesTraitsTemperature.Name() }
func (t *Temperature) reset()            { *t = Temperature{} }

const (
	EcoModeManual = "MANUAL_ECO"
	EcoModeOff    = "OFF"
)

type ThermostatEco struct {
	AvailableModes []string `json:"availableModes,omitempty"`
	Mode           *string  `json:"mode,omitempty"`
	HeatCelsius    *float64 `json:"heatCelsius,omitempty"`
	CoolCelsius    *float64 `json:"coolCelsius,omitempty"`
}

func (t *ThermostatEco) TraitName() string { return sdmDevicesTraitsThermostatEco.Name() }
func (t *ThermostatEco) reset()            { *t = ThermostatEco{} }

func (t *ThermostatEco) Enabled() bool {
	return t.Mode != nil && *t.Mode != EcoModeOff
}

const (
	ThermostatModeHeat     = "HEAT"
	ThermostatModeCool     = "COOL"
	ThermostatModeHeatCool = "HEATCOOL"
	ThermostatModeOff      = "OFF"
)

type ThermostatMode struct {
	AvailableModes []string `json:"availableModes,omitempty"`
	Mode           *string  `json:"mode,omitempty"`
}

func (t *ThermostatMode) TraitName() string { return sdmDevicesTraitsThermostatMode.Name() }
func (t *ThermostatMode) reset()            { *t = ThermostatMode{} }

type ThermostatHvac struct {
	Status *string `json:"status,omitempty"`
}

func (t *ThermostatHvac) TraitName() string { return sdmDevicesTraitsThermostatHvac.Name() }
func (t *ThermostatHvac) reset()            { *t = ThermostatHvac{} }

type ThermostatTemperatureSetpoint struct {
	HeatCelsius *float64 `json:"heatCelsius,omitempty"`
	CoolCelsius *float64 `json:"coolCelsius,omitempty"`
}

func (t *ThermostatTemperatureSetpoint) TraitName() string {
	return sdmDevicesTraitsThermostatTemperatureSetpoint.Name()
}
func (t *ThermostatTemperatureSetpoint) reset() { *t = ThermostatTemperatureSetpoint{} }

// Resolution is a maximum image or video size
type Resolution struct {
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`
}

type CameraImage struct {
	MaxImageResolution *Resolution `json:"maxImageResolution,omitempty"`
}

func (t *CameraImage) TraitName() string { return sdmDevicesTraitsCameraImage.Name() }
func (t *CameraImage) reset()            { *t = CameraImage{} }

type CameraLiveStream struct {
	MaxVideoResolution *Resolution `json:"maxVideoResolution,omitempty"`
	VideoCodecs        []string    `json:"videoCodecs,omitempty"`
	AudioCodecs        []string    `json:"audioCodecs,omitempty"`
}

func (t *CameraLiveStream) TraitName() string { return sdmDevicesTraitsCameraLiveStream.Name() }
func (t *CameraLiveStream) reset()            { *t = CameraLiveStream{} }

// The event-only traits carry no attributes; projecting them reports support

type CameraMotion struct{}

func (t *CameraMotion) TraitName() string { return sdmDevicesTraitsCameraMotion.Name() }

type CameraPerson struct{}

func (t *CameraPerson) TraitName() string { return sdmDevicesTraitsCameraPerson.Name() }

type CameraSound struct{}

func (t *CameraSound) TraitName() string { return sdmDevicesTraitsCameraSound.Name() }

type CameraEventImage struct{}

func (t *CameraEventImage) TraitName() string { return sdmDevicesTraitsCameraEventImage.Name() }

type DoorbellChime struct{}

func (t *DoorbellChime) TraitName() string { return sdmDevicesTraitsDoorbellChime.Name() }

// RoundCelsius rounds a temperature to one decimal place
func RoundCelsius(c float64) float64 {
	return math.Round(c*10) / 10
}
