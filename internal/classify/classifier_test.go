package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/types"
)

func TestClassify_TypeFromMessage(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantType errors.ErrorType
	}{
		{"timeout", "context deadline exceeded while calling policy engine", errors.ErrorTypeTimeout},
		{"network", "dial tcp 10.0.0.5:5432: connection refused", errors.ErrorTypeNetwork},
		{"database", "pq: deadlock detected", errors.ErrorTypeDatabase},
		{"rate limit", "upstream returned 429 too many requests", errors.ErrorTypeRateLimit},
		{"auth", "authentication failed: expired token", errors.ErrorTypeAuthentication},
		{"resources", "worker killed: out of memory", errors.ErrorTypeResourceExhaustion},
		{"corruption", "checksum mismatch in state snapshot", errors.ErrorTypeDataCorruption},
		{"coordination", "lost quorum during leader handoff", errors.ErrorTypeAgentCoordination},
		{"unknown", "something unexpected happened", errors.ErrorTypeSystem},
	}

	classifier := NewRuleClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := types.NewErrorContext("agent-1", "governance", tt.message)
			cls, err := classifier.Classify(context.Background(), ec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, cls.ErrorType)
		})
	}
}

func TestClassify_ResourcePressureBumpsSeverity(t *testing.T) {
	classifier := NewRuleClassifier(nil)

	calm := types.NewErrorContext("agent-1", "governance", "request timed out")
	calmCls, err := classifier.Classify(context.Background(), calm)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityMedium, calmCls.Severity)

	stressed := types.NewErrorContext("agent-1", "governance", "request timed out")
	stressed.Environment.CPUUsage = 97
	stressedCls, err := classifier.Classify(context.Background(), stressed)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityHigh, stressedCls.Severity)
}

func TestClassify_MetadataOverrides(t *testing.T) {
	classifier := NewRuleClassifier(nil)

	ec := types.NewErrorContext("agent-1", "governance", "request timed out")
	ec.Metadata["severity"] = string(types.SeverityCritical)
	ec.Metadata["scope"] = string(types.ScopeSystemWide)

	cls, err := classifier.Classify(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityCritical, cls.Severity)
	assert.Equal(t, types.ScopeSystemWide, cls.ImpactScope)
	assert.True(t, cls.RequiresImmediateAttention)
}

func TestClassify_TransientTypesAreRetryable(t *testing.T) {
	classifier := NewRuleClassifier(nil)

	ec := types.NewErrorContext("agent-1", "governance", "connection reset by peer")
	cls, err := classifier.Classify(context.Background(), ec)
	require.NoError(t, err)
	assert.True(t, cls.IsRetryable)

	ec = types.NewErrorContext("agent-1", "governance", "checksum mismatch in ledger")
	cls, err = classifier.Classify(context.Background(), ec)
	require.NoError(t, err)
	assert.False(t, cls.IsRetryable)
}

func TestClassify_NilContextRejected(t *testing.T) {
	classifier := NewRuleClassifier(nil)
	_, err := classifier.Classify(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
