package cmd

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

var _thermostatCmdOpts struct {
	device      string
	fanDuration time.Duration
}

var thermostatCmd = &cobra.Command{
	Use:   "thermostat",
	Short: "Send commands to a thermostat",
}

func init() {
	thermostatCmd.PersistentFlags().StringVar(&_thermostatCmdOpts.device, "device", "", "ID of the thermostat")
	errPanic(viper.GetViper().BindPFlag("thermostat.device", thermostatCmd.PersistentFlags().Lookup("device")))

	fanTimerCmd.Flags().DurationVar(&_thermostatCmdOpts.fanDuration, "duration", 0, "how long to run the fan, eg. 15m")
	errPanic(viper.GetViper().BindPFlag("thermostat.fan-duration", fanTimerCmd.Flags().Lookup("duration")))

	thermostatCmd.AddCommand(
		setModeCmd, setHeatCmd, setCoolCmd, setRangeCmd, setEcoCmd, fanTimerCmd,
	)
	rootCmd.AddCommand(thermostatCmd)
}

func checkThermostatFlags(cmd *cobra.Command, args []string) error {
	if err := checkAPIFlags(cmd, args); err != nil {
		return err
	}
	return checkRequiredFlags("thermostat.device")
}

// withThermostat resolves the --device thermostat and runs f against it
func withThermostat(f func(ctx context.Context, t sdmapi.Thermostat) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	d, err := findDevice(ctx, sdmapi.NewDeviceRegistry(client), viper.GetString("thermostat.device"))
	if err != nil {
		return err
	}

	t, ok := d.AsThermostat()
	if !ok {
		return errors.Errorf("device %s is a %s, not a thermostat", d.ID(), d.Type)
	}

	if err := f(ctx, t); err != nil {
		return err
	}

	logging.Logger(nil).Infof("Command sent to %s", t.DisplayName())
	return nil
}

func parseCelsius(args ...string) ([]float64, error) {
	out := make([]float64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad temperature %q", a)
		}
		out = append(out, v)
	}
	return out, nil
}

var setModeCmd = &cobra.Command{
	Use:     "set-mode <HEAT|COOL|HEATCOOL|OFF>",
	Short:   "Set the thermostat mode",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkThermostatFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		return withThermostat(func(ctx context.Context, t sdmapi.Thermostat) error {
			return t.SetMode(ctx, strings.ToUpper(args[0]))
		})
	},
}

var setEcoCmd = &cobra.Command{
	Use:     "set-eco <MANUAL_ECO|OFF>",
	Short:   "Set the eco mode",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkThermostatFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		return withThermostat(func(ctx context.Context, t sdmapi.Thermostat) error {
			return t.SetEco(ctx, strings.ToUpper(args[0]))
		})
	},
}

var setHeatCmd = &cobra.Command{
	Use:     "set-heat <celsius>",
	Short:   "Set the heating setpoint",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkThermostatFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		temps, err := parseCelsius(args...)
		if err != nil {
			return err
		}
		return withThermostat(func(ctx context.Context, t sdmapi.Thermostat) error {
			return t.SetHeat(ctx, temps[0])
		})
	},
}

var setCoolCmd = &cobra.Command{
	Use:     "set-cool <celsius>",
	Short:   "Set the cooling setpoint",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkThermostatFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		temps, err := parseCelsius(args...)
		if err != nil {
			return err
		}
		return withThermostat(func(ctx context.Context, t sdmapi.Thermostat) error {
			return t.SetCool(ctx, temps[0])
		})
	},
}

var setRangeCmd = &cobra.Command{
	Use:     "set-range <heat-celsius> <cool-celsius>",
	Short:   "Set both setpoints in HEATCOOL mode",
	Args:    cobra.ExactArgs(2),
	PreRunE: checkThermostatFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		temps, err := parseCelsius(args...)
		if err != nil {
			return err
		}
		return withThermostat(func(ctx context.Context, t sdmapi.Thermostat) error {
			return t.SetRange(ctx, temps[0], temps[1])
		})
	},
}

var fanTimerCmd = &cobra.Command{
	Use:     "fan-timer <ON|OFF>",
	Short:   "Start or stop the fan timer",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkThermostatFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		return withThermostat(func(ctx context.Context, t sdmapi.Thermostat) error {
			return t.SetFanTimer(ctx, strings.ToUpper(args[0]), viper.GetDuration("thermostat.fan-duration"))
		})
	},
}
