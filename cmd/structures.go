package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/korovkin/limiter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-sdm/internal/pkg/handlers"
	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

var _structuresCmdOpts struct {
	withRooms     bool
	asJSON        bool
	maxConcurrent int
}

var structuresCmd = &cobra.Command{
	Use:     "structures",
	Short:   "List the structures of the project",
	PreRunE: checkAPIFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doStructures()
	},
}

func init() {
	structuresCmd.Flags().BoolVar(&_structuresCmdOpts.withRooms, "rooms", false, "also fetch the rooms of each structure")
	structuresCmd.Flags().BoolVar(&_structuresCmdOpts.asJSON, "json", false, "print as JSON")
	structuresCmd.Flags().IntVar(&_structuresCmdOpts.maxConcurrent, "max-concurrent", 4, "maximum concurrent room requests")

	errPanic(viper.GetViper().BindPFlag("structures.rooms", structuresCmd.Flags().Lookup("rooms")))
	errPanic(viper.GetViper().BindPFlag("structures.json", structuresCmd.Flags().Lookup("json")))
	errPanic(viper.GetViper().BindPFlag("structures.max-concurrent", structuresCmd.Flags().Lookup("max-concurrent")))

	rootCmd.AddCommand(structuresCmd)
}

// fetchRooms gets the rooms of every structure, at most maxConcurrent
// requests at a time
func fetchRooms(ctx context.Context, structures []*sdmapi.Structure, maxConcurrent int) ([][]*sdmapi.Room, error) {
	rooms := make([][]*sdmapi.Room, len(structures))
	errs := make([]error, len(structures))

	limit := limiter.NewConcurrencyLimiter(maxConcurrent)
	var mu sync.Mutex

	for i, s := range structures {
		i, s := i, s
		limit.ExecuteWithTicket(func(ticket int) {
			logging.Logger(nil).Debugf("rooms-goroutine %d: fetching rooms of %s", ticket, s.ID())
			r, err := s.Rooms(ctx)

			mu.Lock()
			rooms[i], errs[i] = r, err
			mu.Unlock()
		})
	}
	limit.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return rooms, nil
}

func doStructures() error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	structures, err := sdmapi.NewStructureRegistry(client).List(ctx, false)
	if err != nil {
		return err
	}

	rooms := make([][]*sdmapi.Room, len(structures))
	if viper.GetBool("structures.rooms") {
		if rooms, err = fetchRooms(ctx, structures, viper.GetInt("structures.max-concurrent")); err != nil {
			return err
		}
	}

	views := make([]handlers.StructureView, 0, len(structures))
	for i, s := range structures {
		views = append(views, handlers.NewStructureView(s, rooms[i]))
	}

	if viper.GetBool("structures.json") {
		return printJSON(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROOMS")
	for _, v := range views {
		var names []string
		for _, r := range v.Rooms {
			names = append(names, r.DisplayName)
		}
		fmt.Fprintf(w, "%s\t%s\t%v\n", v.ID, v.DisplayName, names)
	}

	return w.Flush()
}
