// Package retention implements the Artifact retention sweep: archiving
// (never deleting) Artifact nodes older than a configured age. Grounded on
// pulse/async/handler.go's JobHandler shape, run here as a housekeeping
// worker job rather than a standalone daemon.
package retention

import (
	"context"
	"time"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/graphstore"
	"github.com/opctl/controlplane/logger"
)

// DefaultMaxAge is the middle of the sketched 7/30/90 day retention range.
const DefaultMaxAge = 30 * 24 * time.Hour

// Result reports how many artifacts a sweep touched.
type Result struct {
	Scanned  int
	Archived int
}

// Sweep scans Artifact nodes and marks any older than maxAge as archived.
// Archiving never deletes the node: it flips an `archived`/`archived_at`
// property, preserving the id and history. Fails open: a graph-unavailable
// error is swallowed and reported as a zero-touched Result, since a missed
// sweep cycle is not a request-path failure.
func Sweep(ctx context.Context, store *graphstore.Store, maxAge time.Duration) (Result, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	rows, err := store.Query(ctx, "Artifact", 10000)
	if err != nil {
		if errors.Is(err, graphstore.ErrUnavailable) {
			logger.ComponentLogger("retention").Warnw("retention: graph unavailable, skipping sweep")
			return Result{}, nil
		}
		return Result{}, errors.Wrap(err, "retention: query artifacts")
	}

	result := Result{Scanned: len(rows)}
	cutoff := time.Now().UTC().Add(-maxAge)

	for _, row := range rows {
		if archived, _ := row.Props["archived"].(bool); archived {
			continue
		}
		if row.CreatedAt.After(cutoff) {
			continue
		}

		props := map[string]interface{}{"archived": true, "archived_at": time.Now().UTC()}
		for k, v := range row.Props {
			if k == "archived" || k == "archived_at" {
				continue
			}
			props[k] = v
		}

		if err := store.UpsertAndRelate(ctx, row.ID, row.Labels, props, nil); err != nil {
			logger.ComponentLogger("retention").Warnw("retention: archive upsert failed", "artifact_id", row.ID, "error", err.Error())
			continue
		}
		result.Archived++
	}

	return result, nil
}
