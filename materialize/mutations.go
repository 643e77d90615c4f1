package materialize

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
)

func stringProp(ev eventbus.Event, key string) string {
	if v, ok := ev.Payload[key].(string); ok {
		return v
	}
	return ""
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// statusSuccessorGuard builds a graphstore.StatusGuard that only accepts a
// transition of the named field when it is listed as an allowed successor
// of the node's current value. Other incoming props always merge; an
// unlisted current value (first write) accepts any incoming value. This is
// what makes Run.status/Approval.status/Action.status forward-only instead
// of blind-overwritten on every upsert.
func statusSuccessorGuard(field string, allowed map[string][]string) graphstore.StatusGuard {
	return func(existing, incoming map[string]interface{}) map[string]interface{} {
		merged := map[string]interface{}{}
		for k, v := range existing {
			merged[k] = v
		}

		current, _ := existing[field].(string)
		next, hasNext := incoming[field].(string)

		for k, v := range incoming {
			if k == field {
				continue
			}
			merged[k] = v
		}

		if !hasNext {
			return merged
		}
		if current == "" {
			merged[field] = next
			return merged
		}
		for _, ok := range allowed[current] {
			if ok == next {
				merged[field] = next
				return merged
			}
		}
		// Not an allowed successor (duplicate terminal write, out-of-order
		// delivery, or a regression): keep the existing value.
		return merged
	}
}

// runStatusGuard enforces Run.status forward-only: running -> {ok,
// degraded}, never reopened once terminal.
var runStatusGuard = statusSuccessorGuard("status", map[string][]string{
	"running": {"ok", "degraded"},
})

// approvalStatusGuard enforces Approval.status moving pending -> {approved,
// rejected, expired} exactly once.
var approvalStatusGuard = statusSuccessorGuard("status", map[string][]string{
	"pending": {"approved", "rejected", "expired"},
})

// actionStatusGuard enforces Action.status pending -> running ->
// {success, failed}, with pending able to resolve directly too.
var actionStatusGuard = statusSuccessorGuard("status", map[string][]string{
	"pending": {"running", "success", "failed"},
	"running": {"success", "failed"},
})

// DefaultMutationMap returns the static event_kind → mutation table
// covering the operational graph entities Component, Provider,
// FeatureFlag, Run, Artifact, Source, Task, Approval and Action. Step has no
// node of its own: run.step writes the Run node.
func DefaultMutationMap() MutationMap {
	return MutationMap{
		"run.step": {
			MutationKind: "run_step",
			StableKey: func(ev eventbus.Event) string {
				return hashKey(stringProp(ev, "conversation_id"), stringProp(ev, "turn_id"))
			},
			Labels: []string{"Run"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				props := map[string]interface{}{}
				if v, ok := ev.Payload["success"].(bool); ok {
					if v {
						props["status"] = "ok"
					} else {
						props["status"] = "degraded"
					}
				}
				for _, k := range []string{"latency_ms", "picked_provider", "fallbacks_count"} {
					if v, ok := ev.Payload[k]; ok {
						props[k] = v
					}
				}
				return props
			},
			BuildRelations: func(ev eventbus.Event, runID string) []graphstore.Relationship {
				var rels []graphstore.Relationship
				if provider := stringProp(ev, "picked_provider"); provider != "" {
					rels = append(rels, graphstore.Relationship{
						Kind: "USED_PROVIDER", ToID: provider,
						Props: map[string]interface{}{"role": "selected"},
					})
				}
				if attempted, ok := ev.Payload["fallback_providers"].([]interface{}); ok {
					for _, v := range attempted {
						id, ok := v.(string)
						if !ok || id == "" {
							continue
						}
						rels = append(rels, graphstore.Relationship{
							Kind: "USED_PROVIDER", ToID: id,
							Props: map[string]interface{}{"role": "fallback"},
						})
					}
				}
				return rels
			},
			StatusGuard: runStatusGuard,
		},
		"control_room.task.created": {
			MutationKind: "task_created",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "task_id")
			},
			Labels: []string{"Task"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				return map[string]interface{}{
					"status":    "queued",
					"priority":  ev.Payload["priority"],
					"requester": ev.Payload["requester"],
				}
			},
		},
		"control_room.approval.requested": {
			MutationKind: "approval_requested",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "approval_id")
			},
			Labels: []string{"Approval"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				return map[string]interface{}{
					"status":   "pending",
					"policy_id": ev.Payload["policy_id"],
					"scope":    ev.Payload["scope"],
				}
			},
		},
		"control_room.approval.resolved": {
			MutationKind: "approval_resolved",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "approval_id")
			},
			Labels: []string{"Approval"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				return map[string]interface{}{
					"status":      ev.Payload["status"],
					"resolved_by": ev.Payload["resolved_by"],
				}
			},
			StatusGuard: approvalStatusGuard,
		},
		"feature_flag.updated": {
			MutationKind: "feature_flag_updated",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "flag_id")
			},
			Labels: []string{"FeatureFlag"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				return map[string]interface{}{"value": ev.Payload["value"]}
			},
		},
		"component.health": {
			MutationKind: "component_health",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "component_id")
			},
			Labels: []string{"Component"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				props := map[string]interface{}{"status": ev.Payload["status"]}
				if v, ok := ev.Payload["ok"].(bool); ok {
					if v {
						props["last_ok_ts"] = ev.Ts
					} else {
						props["last_err_ts"] = ev.Ts
					}
				}
				return props
			},
			BuildRelations: func(ev eventbus.Event, componentID string) []graphstore.Relationship {
				flag := stringProp(ev, "gated_by_flag_id")
				if flag == "" {
					return nil
				}
				return []graphstore.Relationship{{Kind: "GATED_BY", ToID: flag}}
			},
		},
		"provider.call": {
			MutationKind: "provider_call",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "provider_id")
			},
			Labels: []string{"Provider"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				props := map[string]interface{}{"kind": ev.Payload["kind"]}
				for _, k := range []string{"latency_ms", "error_rate", "cost"} {
					if v, ok := ev.Payload[k]; ok {
						props[k] = v
					}
				}
				return props
			},
		},
		"artifact.produced": {
			MutationKind: "artifact_produced",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "artifact_id")
			},
			Labels: []string{"Artifact"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				return map[string]interface{}{
					"kind":       ev.Payload["kind"],
					"counts_json": ev.Payload["counts_json"],
					"ts":         ev.Ts,
				}
			},
			BuildRelations: func(ev eventbus.Event, artifactID string) []graphstore.Relationship {
				rels := []graphstore.Relationship{}
				if step := stringProp(ev, "step_id"); step != "" {
					rels = append(rels, graphstore.Relationship{Kind: "PRODUCED", ToID: step})
				}
				if source := stringProp(ev, "source_id"); source != "" {
					rels = append(rels, graphstore.Relationship{Kind: "FROM_SOURCE", ToID: source})
				}
				return rels
			},
		},
		"source.seen": {
			MutationKind: "source_seen",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "source_id")
			},
			Labels: []string{"Source"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				props := map[string]interface{}{"kind": ev.Payload["kind"], "last_seen_ts": ev.Ts}
				if v, ok := ev.Payload["error_rate_window"]; ok {
					props["error_rate_window"] = v
				}
				return props
			},
		},
		"action.status": {
			MutationKind: "action_status",
			StableKey: func(ev eventbus.Event) string {
				return stringProp(ev, "action_id")
			},
			Labels: []string{"Action"},
			BuildProps: func(ev eventbus.Event) map[string]interface{} {
				return map[string]interface{}{
					"tool":               ev.Payload["tool"],
					"status":             ev.Payload["status"],
					"args_redacted_hash": ev.Payload["args_redacted_hash"],
					"result_redacted_hash": ev.Payload["result_redacted_hash"],
				}
			},
			BuildRelations: func(ev eventbus.Event, actionID string) []graphstore.Relationship {
				step := stringProp(ev, "step_id")
				if step == "" {
					return nil
				}
				return []graphstore.Relationship{{Kind: "HAS_ACTION", ToID: step}}
			},
			StatusGuard: actionStatusGuard,
		},
	}
}
