package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat      = errors.New("unsupported document format")
	ErrCorruptInput           = errors.New("corrupt document input")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrEmbeddingBackend       = errors.New("embedding backend failure")
	ErrRetrievalUnavailable   = errors.New("retrieval unavailable")
	ErrTemplateMissingSlot    = errors.New("template missing required slot")
	ErrGenerationTimeout      = errors.New("generation deadline exceeded")
	ErrNonRetryableGeneration = errors.New("non-retryable generation failure")
	ErrNotFound               = errors.New("not found")
)

// FaultKind classifies failures so callers can react without inspecting
// backend-specific error text.
type FaultKind string

const (
	FaultInput              FaultKind = "input"
	FaultBackendUnavailable FaultKind = "backend_unavailable"
	FaultResourceExhausted  FaultKind = "resource_exhausted"
	FaultTimeout            FaultKind = "timeout"
	FaultNotFound           FaultKind = "not_found"
	FaultInternal           FaultKind = "internal"
)

// Fault wraps an error with its classification. Retryable reports whether
// the pipeline's own retry machinery may re-attempt the operation; timeouts
// carry false because the orchestrator never retries past its deadline.
type Fault struct {
	Kind      FaultKind
	Op        string
	Retryable bool
	Err       error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func InputFault(op string, err error) *Fault {
	return &Fault{Kind: FaultInput, Op: op, Retryable: false, Err: err}
}

func BackendFault(op string, err error) *Fault {
	return &Fault{Kind: FaultBackendUnavailable, Op: op, Retryable: true, Err: err}
}

func ExhaustedFault(op string, err error) *Fault {
	return &Fault{Kind: FaultResourceExhausted, Op: op, Retryable: true, Err: err}
}

func TimeoutFault(op string, err error) *Fault {
	return &Fault{Kind: FaultTimeout, Op: op, Retryable: false, Err: err}
}

func NotFoundFault(op string, err error) *Fault {
	return &Fault{Kind: FaultNotFound, Op: op, Retryable: false, Err: err}
}

func InternalFault(op string, err error) *Fault {
	return &Fault{Kind: FaultInternal, Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether the pipeline may re-attempt the operation that
// produced err. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}

// KindOf extracts the fault classification, defaulting to FaultInternal for
// unclassified errors.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultInternal
}
