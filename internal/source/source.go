// Package source provides the adapters the fetch layer acquires asset bytes
// from. Every adapter classifies its failures into the sentinel errors below
// so the fetch layer can decide whether to retry.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/asset-stream-cache/internal/types"
)

var (
	// Non-retryable: the source gave a definitive answer.
	ErrNotFound          = errors.New("asset not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNetwork is retryable.
	ErrNetwork = errors.New("network error")
)

// Source is one link of the fallback chain.
type Source interface {
	Name() string
	Fetch(ctx context.Context, ref types.AssetRef) ([]byte, error)
}

// Error is a classified source failure.
type Error struct {
	Source string
	Ref    types.AssetRef
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Ref, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v: %v", e.Source, e.Ref, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(source string, ref types.AssetRef, kind, err error) *Error {
	return &Error{Source: source, Ref: ref, Kind: kind, Err: err}
}

// Retryable reports whether another attempt against the same source may
// succeed. Unclassified errors are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-attempt timeout surfaces as ErrNetwork; a bare deadline belongs
	// to the caller.
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrNetwork) {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccessDenied), errors.Is(err, ErrMalformedResponse):
		return false
	}
	return true
}

// Kind returns the classification of err, or nil if it is unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrAccessDenied, ErrMalformedResponse, ErrNetwork} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
