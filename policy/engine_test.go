package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_LowConfidenceNeedsApproval(t *testing.T) {
	reg := NewRegistry(DefaultRules()...)
	d, err := reg.Evaluate(context.Background(), Request{Confidence: 0.5})
	require.NoError(t, err)
	require.Equal(t, NeedsApproval, d.Verdict)
}

func TestEvaluate_MediumConfidenceMutatingIsDenied(t *testing.T) {
	reg := NewRegistry(DefaultRules()...)
	d, err := reg.Evaluate(context.Background(), Request{Confidence: 0.8, Mutating: true})
	require.NoError(t, err)
	require.Equal(t, Deny, d.Verdict)
}

func TestEvaluate_HighConfidenceReadOnlyAllowed(t *testing.T) {
	reg := NewRegistry(DefaultRules()...)
	d, err := reg.Evaluate(context.Background(), Request{Confidence: 0.9, Mutating: false})
	require.NoError(t, err)
	require.Equal(t, Allow, d.Verdict)
}

func TestEvaluate_SafetyCodeExecRequiresApprovalWhenMutating(t *testing.T) {
	reg := NewRegistry(DefaultRules()...)
	d, err := reg.Evaluate(context.Background(), Request{
		Confidence: 0.95, Mutating: true, PolicyIDs: []string{"safety_code_exec_v1"},
	})
	require.NoError(t, err)
	require.Equal(t, NeedsApproval, d.Verdict)
	require.Equal(t, "safety_code_exec_v1", d.PolicyID)
}
