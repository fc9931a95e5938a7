package source

import (
	"context"
	"fmt"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/pkg/s3util"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Deps carries shared clients needed by some source kinds.
type Deps struct {
	JS     jetstream.JetStream
	Logger *zap.Logger
}

// New builds the remote source described by cfg. It returns a nil Source
// when cfg.Kind is empty. The S3 client, if one was created, is returned so
// callers can health-check it.
func New(ctx context.Context, name string, cfg config.SourceConfig, deps Deps) (Source, *s3util.Client, error) {
	logger := deps.Logger.Named(name)
	switch cfg.Kind {
	case config.SourceKindNone:
		return nil, nil, nil
	case config.SourceKindHTTP:
		s, err := NewHTTPSource(name+":http", cfg.HTTP, logger)
		return s, nil, err
	case config.SourceKindS3:
		client, err := s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("creating S3 client: %w", err)
		}
		return NewS3Source(name+":s3", client.S3, client.Bucket, client.Prefix, logger), client, nil
	case config.SourceKindNATS:
		if deps.JS == nil {
			return nil, nil, fmt.Errorf("%s: nats source requires a JetStream connection", name)
		}
		s, err := NewNATSSource(ctx, name+":nats", deps.JS, cfg.NATS.Bucket, cfg.NATS.Timeout.Duration(), logger)
		return s, nil, err
	default:
		return nil, nil, fmt.Errorf("%s: unknown source kind %q", name, cfg.Kind)
	}
}
