package sdmapi

import (
	"fmt"
	"time"
)

// Command is a device command; it marshals to the command's params
type Command interface {
	commandName() string
}

type command struct {
	command string
}

func newCommand(name string) command {
	return command{
		command: name,
	}
}

func (c command) commandName() string {
	return c.command
}

// CommandName returns the fully qualified name of cmd
func CommandName(cmd Command) string {
	return cmd.commandName()
}

type devicesFanCommandParams struct {
	command
	TimerMode string `json:"timerMode"`
	Duration  string `json:"duration,omitempty"`
}

// NewFanTimerCommand sets the fan timer mode (FanTimerOn or FanTimerOff).  A
// zero duration leaves it to the device default.
func NewFanTimerCommand(timerMode string, duration time.Duration) Command {
	var durString string
	if duration > 0 {
		durString = fmt.Sprintf("%.0fs", duration.Seconds())
	}

	return devicesFanCommandParams{
		command:   newCommand("sdm.devices.commands.Fan.SetTimer"),
		TimerMode: timerMode,
		Duration:  durString,
	}
}

type devicesThermostatEcoCommandParams struct {
	command
	Mode string `json:"mode"`
}

// NewThermostatEcoCommand sets the eco mode (EcoModeManual or EcoModeOff)
func NewThermostatEcoCommand(mode string) Command {
	return devicesThermostatEcoCommandParams{
		command: newCommand("sdm.devices.commands.ThermostatEco.SetMode"),
		Mode:    mode,
	}
}

type devicesThermostatModeCommandParams struct {
	command
	Mode string `json:"mode"`
}

func NewThermostatModeCommand(mode string) Command {
	return devicesThermostatModeCommandParams{
		command: newCommand("sdm.devices.commands.ThermostatMode.SetMode"),
		Mode:    mode,
	}
}

type devicesThermostatTemperatureSetpointHeatCommandParams struct {
	command
	HeatCelsius float64 `json:"heatCelsius"`
}
type devicesThermostatTemperatureSetpointCoolCommandParams struct {
	command
	CoolCelsius float64 `json:"coolCelsius"`
}
type devicesThermostatTemperatureSetpointRangeCommandParams struct {
	command
	HeatCelsius float64 `json:"heatCelsius"`
	CoolCelsius float64 `json:"coolCelsius"`
}

func NewThermostatTemperatureSetpointHeatCommand(temp float64) Command {
	return devicesThermostatTemperatureSetpointHeatCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat"),
		HeatCelsius: temp,
	}
}
func NewThermostatTemperatureSetpointCoolCommand(temp float64) Command {
	return devicesThermostatTemperatureSetpointCoolCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetCool"),
		CoolCelsius: temp,
	}
}
func NewThermostatTemperatureSetpointRangeCommand(heatTemp, coolTemp float64) Command {
	return devicesThermostatTemperatureSetpointRangeCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetRange"),
		HeatCelsius: heatTemp,
		CoolCelsius: coolTemp,
	}
}
