package commands

import (
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/opctl/controlplane/config"
	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
	"github.com/opctl/controlplane/materialize"
)

// ReplayCmd re-drives the durable event log into the graph materializer
// from a given sequence checkpoint, for recovering a graph that fell
// behind or was reset. Grounded on eventbus.ReadFrom's seq-bounded replay
// reader and materialize.Materializer.Replay's synchronous apply path.
var ReplayCmd = &cobra.Command{
	Use:   "replay [seq-from]",
	Short: "Replay the durable event log into the graph from a checkpoint",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		var seqFrom uint64
		if len(args) == 1 {
			parsed, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return errors.Newf("replay: %q is not a valid sequence number", args[0])
			}
			seqFrom = parsed
		}
		return runReplay(configPath, seqFrom)
	},
}

func init() {
	ReplayCmd.Flags().StringP("config", "c", "config.toml", "path to config.toml")
}

func runReplay(configPath string, seqFrom uint64) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return errors.Wrap(err, "replay: load config")
	}

	eventsDir := "data/events"
	events, err := eventbus.ReadFrom(eventsDir, seqFrom)
	if err != nil {
		return errors.Wrap(err, "replay: read durable log")
	}
	if len(events) == 0 {
		fmt.Printf("replay: no events at or after seq %d\n", seqFrom)
		return nil
	}

	store, err := graphstore.Open(cfg.Graph.Path, graphstore.Config{
		AcquireTimeout:   cfg.Graph.AcquireTimeout,
		FailureThreshold: cfg.Graph.FailureThreshold,
		CooldownPeriod:   cfg.Graph.CooldownPeriod,
	})
	if err != nil {
		return errors.Wrap(err, "replay: open graph store")
	}
	defer store.Close()

	dedupeDB, err := sql.Open("sqlite3", cfg.Database.DedupePath)
	if err != nil {
		return errors.Wrap(err, "replay: open dedupe database")
	}
	defer dedupeDB.Close()

	bus, err := eventbus.New(eventsDir)
	if err != nil {
		return errors.Wrap(err, "replay: open event bus")
	}
	defer bus.Close()

	materializer, err := materialize.New(bus, store, dedupeDB, materialize.DefaultMutationMap())
	if err != nil {
		return errors.Wrap(err, "replay: create materializer")
	}

	materializer.Replay(events)
	fmt.Printf("replay: applied %d events starting at seq %d\n", len(events), seqFrom)
	return nil
}
