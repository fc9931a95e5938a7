package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSSource fetches assets from a JetStream Object Store bucket. Object
// names are {collection}/{key}_{tier}.
type NATSSource struct {
	name    string
	obs     jetstream.ObjectStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSSource binds to an existing Object Store bucket.
func NewNATSSource(ctx context.Context, name string, js jetstream.JetStream, bucket string, timeout time.Duration, logger *zap.Logger) (*NATSSource, error) {
	obs, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("binding object store %q: %w", bucket, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSSource{name: name, obs: obs, timeout: timeout, logger: logger}, nil
}

func (s *NATSSource) Name() string { return s.name }

func (s *NATSSource) Fetch(ctx context.Context, ref types.AssetRef) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.obs.GetBytes(attemptCtx, ref.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(s.name, ref, classifyNATS(err), err)
	}
	if len(data) == 0 {
		return nil, newError(s.name, ref, ErrMalformedResponse, fmt.Errorf("empty object"))
	}

	s.logger.Debug("asset fetched from object store",
		zap.String("ref", ref.String()),
		zap.Int("size", len(data)),
	)
	return data, nil
}

func classifyNATS(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrObjectNotFound), errors.Is(err, jetstream.ErrBucketNotFound):
		return ErrNotFound
	case errors.Is(err, jetstream.ErrDigestMismatch):
		return ErrMalformedResponse
	case errors.Is(err, nats.ErrPermissionViolation), errors.Is(err, nats.ErrAuthorization):
		return ErrAccessDenied
	}
	if strings.Contains(strings.ToLower(err.Error()), "permissions violation") {
		return ErrAccessDenied
	}
	return ErrNetwork
}
