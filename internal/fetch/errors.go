package fetch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/multierr"
)

var (
	// ErrFetchExhausted matches every *ExhaustedError.
	ErrFetchExhausted = errors.New("all sources exhausted")

	ErrClosed     = errors.New("fetcher closed")
	ErrInvalidRef = errors.New("invalid asset reference")
)

// SourceAttempt is the final state of one source in a failed acquisition.
type SourceAttempt struct {
	Source   string
	Attempts int
	Err      error
}

// ExhaustedError reports an acquisition in which every source failed.
type ExhaustedError struct {
	Ref     types.AssetRef
	Sources []SourceAttempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetching %s: %v", e.Ref, ErrFetchExhausted)
	for _, s := range e.Sources {
		fmt.Fprintf(&b, "; %s (%d attempts): %v", s.Source, s.Attempts, s.Err)
	}
	return b.String()
}

// Unwrap exposes ErrFetchExhausted and every per-source error.
func (e *ExhaustedError) Unwrap() []error {
	var causes error
	for _, s := range e.Sources {
		causes = multierr.Append(causes, s.Err)
	}
	if causes == nil {
		return []error{ErrFetchExhausted}
	}
	return append([]error{ErrFetchExhausted}, multierr.Errors(causes)...)
}
