package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFaultClassification(t *testing.T) {
	tests := []struct {
		name      string
		fault     *Fault
		kind      FaultKind
		retryable bool
	}{
		{"input faults never retry", InputFault("parse", errors.New("bad mime")), FaultInput, false},
		{"backend faults retry", BackendFault("embed", errors.New("connection refused")), FaultBackendUnavailable, true},
		{"exhausted faults retry", ExhaustedFault("generate", errors.New("rate limited")), FaultResourceExhausted, true},
		{"timeouts are terminal", TimeoutFault("generate", errors.New("deadline")), FaultTimeout, false},
		{"not found is terminal", NotFoundFault("lookup", errors.New("no row")), FaultNotFound, false},
		{"internal faults are terminal", InternalFault("fuse", errors.New("bug")), FaultInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.fault.Kind)
			assert.Equal(t, tt.retryable, tt.fault.Retryable)
			assert.Equal(t, tt.kind, KindOf(tt.fault))
			assert.Equal(t, tt.retryable, IsRetryable(tt.fault))
		})
	}
}

func TestFaultUnwrap(t *testing.T) {
	fault := BackendFault("search", fmt.Errorf("query failed: %w", ErrRetrievalUnavailable))

	assert.ErrorIs(t, fault, ErrRetrievalUnavailable)
	assert.Contains(t, fault.Error(), "search")
	assert.Contains(t, fault.Error(), "backend_unavailable")
}

func TestFaultSurvivesWrapping(t *testing.T) {
	inner := ExhaustedFault("generate", errors.New("429"))
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, FaultResourceExhausted, KindOf(wrapped))
}

func TestUnclassifiedErrors(t *testing.T) {
	plain := errors.New("something broke")

	assert.False(t, IsRetryable(plain))
	assert.Equal(t, FaultInternal, KindOf(plain))
}
