package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opctl/controlplane/config"
	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
)

// canaryFlagID is the FeatureFlag node id under which the canary command
// stores the router canary percentage. The router package does not read
// this node.
const canaryFlagID = "feature_flag:router_canary_percentage"

var canaryAllowedPercentages = map[int]bool{0: true, 1: true, 10: true, 50: true, 100: true}

// CanaryCmd gets or sets the router canary percentage feature flag stored
// as a FeatureFlag node in the graph. Grounded on the server subcommand's
// direct-graphstore-construction pattern; every mutation emits
// feature_flag.updated so subscribers (and the durable log) see it.
var CanaryCmd = &cobra.Command{
	Use:   "canary [percentage]",
	Short: "Get or set the router canary percentage feature flag",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if len(args) == 0 {
			return runCanaryGet(configPath)
		}
		var pct int
		if _, err := fmt.Sscanf(args[0], "%d", &pct); err != nil {
			return errors.Newf("canary: %q is not an integer percentage", args[0])
		}
		return runCanarySet(configPath, pct)
	},
}

func init() {
	CanaryCmd.Flags().StringP("config", "c", "config.toml", "path to config.toml")
}

func openCanaryStore(configPath string) (*graphstore.Store, *eventbus.Bus, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "canary: load config")
	}
	store, err := graphstore.Open(cfg.Graph.Path, graphstore.Config{
		AcquireTimeout:   cfg.Graph.AcquireTimeout,
		FailureThreshold: cfg.Graph.FailureThreshold,
		CooldownPeriod:   cfg.Graph.CooldownPeriod,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "canary: open graph store")
	}
	bus, err := eventbus.New("data/events")
	if err != nil {
		store.Close()
		return nil, nil, errors.Wrap(err, "canary: open event bus")
	}
	return store, bus, nil
}

func runCanaryGet(configPath string) error {
	store, bus, err := openCanaryStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	rows, err := store.Query(context.Background(), "FeatureFlag", 100)
	if err != nil {
		fmt.Println("canary percentage: unknown (graph unavailable)")
		return nil
	}
	for _, row := range rows {
		if row.ID == canaryFlagID {
			fmt.Printf("canary percentage: %v\n", row.Props["percentage"])
			return nil
		}
	}
	fmt.Println("canary percentage: 0 (unset)")
	return nil
}

func runCanarySet(configPath string, pct int) error {
	if !canaryAllowedPercentages[pct] {
		return errors.Newf("canary: %d is not one of the allowed rollout steps (0, 1, 10, 50, 100)", pct)
	}

	store, bus, err := openCanaryStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	defer bus.Close()

	ctx := context.Background()
	err = store.UpsertAndRelate(ctx, canaryFlagID, []string{"FeatureFlag"},
		map[string]interface{}{"name": "router_canary_percentage", "percentage": pct}, nil)
	if err != nil {
		return errors.Wrap(err, "canary: write feature flag")
	}

	_ = bus.Publish(eventbus.NewEvent("feature_flag.updated", "", "", map[string]interface{}{
		"flag_id":    canaryFlagID,
		"value":      pct,
		"flag":       "router_canary_percentage",
		"percentage": pct,
	}))

	fmt.Printf("canary percentage set to %d\n", pct)
	return nil
}
