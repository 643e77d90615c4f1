package policy

import "context"

// DefaultRules returns built-in stand-ins for the named policies a
// deployment's seed data would otherwise author: safety_code_exec_v1,
// no_big_diff_v1, reuse_first_v1, test_gate_v1. Only safety_code_exec_v1
// ever applies: when its id is in Request.PolicyIDs and the request is
// mutating, it returns needs_approval. The other three never apply, so
// requests naming them fall through to the Registry's default ladder. Real
// rule bodies are deployment-specific and are expected to replace these.
func DefaultRules() []Rule {
	return []Rule{
		NewFuncRule("safety_code_exec_v1", func(ctx context.Context, req Request) (Decision, bool, error) {
			if !hasPolicy(req, "safety_code_exec_v1") {
				return Decision{}, false, nil
			}
			if req.Mutating {
				return Decision{Verdict: NeedsApproval, ReasonSafe: "code_exec_requires_approval", PolicyID: "safety_code_exec_v1"}, true, nil
			}
			return Decision{}, false, nil
		}),
		NewFuncRule("no_big_diff_v1", func(ctx context.Context, req Request) (Decision, bool, error) {
			return Decision{}, false, nil // diff-size judgment belongs to the tool layer, not the gate
		}),
		NewFuncRule("reuse_first_v1", func(ctx context.Context, req Request) (Decision, bool, error) {
			return Decision{}, false, nil
		}),
		NewFuncRule("test_gate_v1", func(ctx context.Context, req Request) (Decision, bool, error) {
			return Decision{}, false, nil
		}),
	}
}

func hasPolicy(req Request, id string) bool {
	for _, p := range req.PolicyIDs {
		if p == id {
			return true
		}
	}
	return false
}
