// Package redact implements the Redaction & Hashing boundary:
// strips denied keys recursively, and replaces over-length strings with a
// {_redacted, hash, len} marker. Applied at both the event-publish boundary
// and the graph-upsert boundary (defence in depth).
//
// This is deliberately stdlib-only (see DESIGN.md): a deny-list recursive
// payload walk has no natural home in any third-party library in the
// example corpus or the wider ecosystem.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
)

// DeniedKeys is the set of property names forbidden in graph/log content.
var DeniedKeys = map[string]struct{}{
	"prompt":        {},
	"html":          {},
	"snippet":       {},
	"content":       {},
	"authorization": {},
	"token":         {},
	"api_key":       {},
	"secret":        {},
	"cookie":        {},
	"session":       {},
}

const (
	// MaxStrLenGraph is the default per-string cap applied at the graph-write boundary.
	MaxStrLenGraph = 512
	// MaxStrLenLog is the default per-string cap applied at the event-publish boundary.
	MaxStrLenLog = 2048
)

// Counters tracks informational redaction outcomes, exposed via telemetry.
type Counters struct {
	DeniedKeyDropped uint64 `json:"denied_key_dropped"`
	StringHashed     uint64 `json:"string_hashed"`
}

// global accumulates Counters observed at every redaction boundary
// (event-publish and graph-write) into one process-wide total, so
// /telemetry can expose a single redaction.denied_key_dropped /
// redaction.string_hashed figure regardless of which boundary produced it.
var global struct {
	deniedKeyDropped atomic.Uint64
	stringHashed     atomic.Uint64
}

// Accumulate folds one boundary call's Counters into the shared totals.
func Accumulate(c Counters) {
	if c.DeniedKeyDropped > 0 {
		global.deniedKeyDropped.Add(c.DeniedKeyDropped)
	}
	if c.StringHashed > 0 {
		global.stringHashed.Add(c.StringHashed)
	}
}

// Snapshot returns the cumulative totals observed across both boundaries
// since process start.
func Snapshot() Counters {
	return Counters{
		DeniedKeyDropped: global.deniedKeyDropped.Load(),
		StringHashed:     global.stringHashed.Load(),
	}
}

// Redacted marks a string that exceeded maxStrLen and was replaced.
type Redacted struct {
	Redacted bool   `json:"_redacted"`
	Hash     string `json:"hash"`
	Len      int    `json:"len"`
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Walk recursively redacts a decoded JSON-like value (map[string]interface{},
// []interface{}, or scalar). It returns the redacted value and updates
// counters in place. maxStrLen is the boundary-specific cap (512 for graph
// writes, 2048 for the event log).
func Walk(v interface{}, maxStrLen int, c *Counters) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if _, denied := DeniedKeys[k]; denied {
				c.DeniedKeyDropped++
				continue
			}
			out[k] = Walk(child, maxStrLen, c)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = Walk(child, maxStrLen, c)
		}
		return out
	case string:
		if len(val) > maxStrLen {
			c.StringHashed++
			return Redacted{Redacted: true, Hash: hashString(val), Len: len(val)}
		}
		return val
	default:
		// numbers, bools, nil, enums, ids — untouched
		return val
	}
}

// Payload returns a redacted copy of a top-level event or graph-write
// payload (the input map is not modified) and the counters observed during
// this call.
func Payload(payload map[string]interface{}, maxStrLen int) (map[string]interface{}, Counters) {
	var c Counters
	if payload == nil {
		return nil, c
	}
	out := Walk(payload, maxStrLen, &c)
	return out.(map[string]interface{}), c
}
