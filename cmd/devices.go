package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-sdm/internal/pkg/handlers"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

var _devicesCmdOpts struct {
	asJSON bool
}

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Short:   "List the devices of the project",
	PreRunE: checkAPIFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doDevices()
	},
}

var devicesGetCmd = &cobra.Command{
	Use:     "get <device-id>",
	Short:   "Show one device and its traits",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkAPIFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		d, err := findDevice(context.Background(), sdmapi.NewDeviceRegistry(client), args[0])
		if err != nil {
			return err
		}

		return printJSON(handlers.NewDeviceView(d))
	},
}

func init() {
	devicesCmd.PersistentFlags().BoolVar(&_devicesCmdOpts.asJSON, "json", false, "print as JSON")
	errPanic(viper.GetViper().BindPFlag("output.json", devicesCmd.PersistentFlags().Lookup("json")))

	devicesCmd.AddCommand(devicesGetCmd)
	rootCmd.AddCommand(devicesCmd)
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))
	return nil
}

// findDevice looks a device up by ID or full resource name
func findDevice(ctx context.Context, registry *sdmapi.DeviceRegistry, id string) (*sdmapi.Device, error) {
	devices, err := registry.List(ctx, false)
	if err != nil {
		return nil, err
	}

	for _, d := range devices {
		if d.ID() == id || d.Name == id {
			return d, nil
		}
	}

	return nil, errors.Errorf("no device %s", id)
}

func doDevices() error {
	client, err := newClient()
	if err != nil {
		return err
	}

	devices, err := sdmapi.NewDeviceRegistry(client).List(context.Background(), false)
	if err != nil {
		return err
	}

	if viper.GetBool("output.json") {
		views := make([]handlers.DeviceView, 0, len(devices))
		for _, d := range devices {
			views = append(views, handlers.NewDeviceView(d))
		}
		return printJSON(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tCONNECTED")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", d.ID(), d.Type, d.DisplayName(), d.Connected())
	}

	return w.Flush()
}
