// Package policy implements the policy gate as an opaque decision function.
// Policy authorship (the actual rule bodies behind identifiers like
// safety_code_exec_v1, no_big_diff_v1, reuse_first_v1, test_gate_v1) is left
// to deployment-specific seed data; this package only evaluates whatever
// rules it is handed against a request, per the decision recorded for the
// policy-authorship open question: Engine is Evaluate(ctx, Request)
// (Decision, error) returning allow/deny/needs_approval plus a safe reason
// string, nothing richer.
package policy

import (
	"context"
)

// Verdict is the gate's outcome for one request.
type Verdict string

const (
	Allow          Verdict = "allow"
	Deny           Verdict = "deny"
	NeedsApproval  Verdict = "needs_approval"
)

// Request carries everything a rule needs to decide, without exposing the
// rule implementations to the caller's types.
type Request struct {
	UserID         string
	ConversationID string
	IntentLabel    string
	Confidence     float64
	Mutating       bool
	PolicyIDs      []string // candidate policies applicable to this request
}

// Decision is the gate's answer plus a user-safe (never internal-detail)
// reason string.
type Decision struct {
	Verdict    Verdict
	ReasonSafe string
	PolicyID   string
}

// Engine evaluates a Request against whatever rules it holds. Rule bodies
// are intentionally opaque behind this interface; Rule is the extension
// point for deployment-specific seed data.
type Engine interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// Rule is one named policy a Registry can hold.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, req Request) (Decision, bool, error) // bool: rule applies
}

// Registry is the minimal built-in Engine: an ordered list of Rule, first
// applicable rule wins. Grounded on materialize's mutation-map static-table
// dispatch shape (first-match, never-fail semantics), repurposed here for
// policy rule lookup instead of event-kind lookup.
type Registry struct {
	rules []Rule
}

func NewRegistry(rules ...Rule) *Registry {
	return &Registry{rules: rules}
}

// Evaluate runs rules in order and returns the first applicable decision.
// With no applicable rule, a default ladder decides: confidence below 0.72
// → needs_approval (clarify), whether or not the intent is mutating;
// mutating below 0.85 → deny; mutating at 0.85 or above → needs_approval;
// anything else → allow. So an absent policy seed never silently grants
// unchecked mutation.
func (r *Registry) Evaluate(ctx context.Context, req Request) (Decision, error) {
	for _, rule := range r.rules {
		decision, applies, err := rule.Evaluate(ctx, req)
		if err != nil {
			return Decision{}, err
		}
		if applies {
			return decision, nil
		}
	}

	if req.Confidence < 0.72 {
		return Decision{Verdict: NeedsApproval, ReasonSafe: "low_confidence_clarify"}, nil
	}
	if req.Mutating && req.Confidence < 0.85 {
		return Decision{Verdict: Deny, ReasonSafe: "mutating_intent_below_high_confidence"}, nil
	}
	if req.Mutating {
		return Decision{Verdict: NeedsApproval, ReasonSafe: "no_policy_seed_for_mutation"}, nil
	}
	return Decision{Verdict: Allow, ReasonSafe: "read_only_default_allow"}, nil
}

// FuncRule adapts a plain function to Rule for simple built-in policies.
type FuncRule struct {
	id string
	fn func(ctx context.Context, req Request) (Decision, bool, error)
}

func NewFuncRule(id string, fn func(ctx context.Context, req Request) (Decision, bool, error)) FuncRule {
	return FuncRule{id: id, fn: fn}
}

func (f FuncRule) ID() string { return f.id }

func (f FuncRule) Evaluate(ctx context.Context, req Request) (Decision, bool, error) {
	return f.fn(ctx, req)
}
