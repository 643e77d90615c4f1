// Package materialize implements the Graph Materialization Layer (GML): a
// single event-bus subscriber that maps each event kind to a typed graph
// mutation via a static mutation map, deduplicates by
// mutation_id, and fails open. Directly adapts pulse/async/handler.go's
// JobHandler/HandlerRegistry/RegistryExecutor triad: MutationHandler plays
// the JobHandler role, the mutation map plays the HandlerRegistry role.
package materialize

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
)

// StableKeyFunc derives an event's stable primary key from its payload,
// e.g. sha256(conversation_id ∥ turn_id) for Run.
type StableKeyFunc func(ev eventbus.Event) string

// MutationEntry is one row of the static mutation map: event_kind →
// {mutation_kind, stable_key_formula, label-set, merge-props, relations}.
type MutationEntry struct {
	MutationKind string
	StableKey    StableKeyFunc
	Labels       []string
	// BuildProps derives the set-props for the upsert from the event payload.
	BuildProps func(ev eventbus.Event) map[string]interface{}
	// BuildRelations derives relationships to upsert alongside the node.
	BuildRelations func(ev eventbus.Event, id string) []graphstore.Relationship
	// StatusGuard, when set, replaces the blind existing∪incoming merge with
	// a conditional one that only accepts a status transition when it is an
	// allowed successor of the node's current status (Run.status,
	// Approval.status, Action.status are forward-only). Nil means the
	// mutation carries no status invariant and blind-merges as before.
	StatusGuard graphstore.StatusGuard
}

// MutationMap is the static table keyed by event kind.
type MutationMap map[string]MutationEntry

// MutationID computes sha256(event_id ∥ mutation_kind ∥ stable_key).
func MutationID(eventID, mutationKind, stableKey string) string {
	sum := sha256.Sum256([]byte(eventID + mutationKind + stableKey))
	return hex.EncodeToString(sum[:])
}
