package telemetry

import "time"

// defaultStalenessWindow is how long a layer's last_update_ts may lag
// before it is classified stale rather than live.
const defaultStalenessWindow = 5 * time.Minute

// FreshnessSource reports the last mutation timestamp for a graph layer
// (label). Implemented by *materialize.Materializer; kept as an interface
// here so telemetry never imports materialize's sqlite/graphstore deps
// directly.
type FreshnessSource interface {
	Freshness(layer string) (time.Time, bool)
}

// DefaultLayers names the canonical layers telemetry reports freshness
// for — one entry per graph entity Materializer.touchFreshness can
// actually key (Step has no mutation of its own; it is folded into the Run
// mutation since both key off the run.step event, so it is not a separate
// layer here). A deployment may override this list.
var DefaultLayers = []string{
	"Run", "Artifact", "Task", "Approval", "Action",
	"Component", "Provider", "FeatureFlag", "Source",
}

// LayerStatus is one layer's freshness classification.
type LayerStatus struct {
	Layer         string    `json:"layer"`
	Status        string    `json:"status"` // live | stale | unknown
	LastUpdatedTs time.Time `json:"last_updated_ts,omitempty"`
}

func classifyLayer(source FreshnessSource, layer string, now time.Time, staleness time.Duration) LayerStatus {
	ts, ok := source.Freshness(layer)
	if !ok {
		return LayerStatus{Layer: layer, Status: "unknown"}
	}
	if now.Sub(ts) > staleness {
		return LayerStatus{Layer: layer, Status: "stale", LastUpdatedTs: ts}
	}
	return LayerStatus{Layer: layer, Status: "live", LastUpdatedTs: ts}
}

// GraphSummary rolls the per-layer statuses into one flag.
type GraphSummary struct {
	LiveCount        int  `json:"live_count"`
	StaleCount       int  `json:"stale_count"`
	UnknownCount     int  `json:"unknown_count"`
	IntegrityDegraded bool `json:"integrity_degraded"`
}

func summarize(layers []LayerStatus) GraphSummary {
	var s GraphSummary
	for _, l := range layers {
		switch l.Status {
		case "live":
			s.LiveCount++
		case "stale":
			s.StaleCount++
		default:
			s.UnknownCount++
		}
	}
	s.IntegrityDegraded = s.StaleCount > 0 || s.UnknownCount > 0
	return s
}
