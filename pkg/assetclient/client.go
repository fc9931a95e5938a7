package assetclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/serve"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrRemote wraps errors reported by the cache process.
var ErrRemote = errors.New("assetclient: remote error")

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// JS and Bucket enable direct reads from the origin object store.
	JS     jetstream.JetStream
	Bucket string

	// SubjectPrefix defaults to "assets".
	SubjectPrefix string

	// Timeout for cache requests. Defaults to 30s since a miss may walk
	// every source.
	Timeout time.Duration
}

// Client requests assets from the cache process.
type Client struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	bucket  string
	prefix  string
	timeout time.Duration
}

// Asset is a payload and where it came from.
type Asset struct {
	Ref      types.AssetRef
	Data     []byte
	Checksum string
	// Direct is true when the payload was read from the origin object store.
	Direct bool
}

func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("assetclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "assets"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		nc:      cfg.NC,
		js:      cfg.JS,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		timeout: timeout,
	}, nil
}

// Get returns the asset at the given tier. tier is a tier name or number.
func (c *Client) Get(ctx context.Context, collection, key, tier string) (*Asset, error) {
	coll, err := types.ParseCollection(collection)
	if err != nil {
		return nil, fmt.Errorf("assetclient: %w", err)
	}
	t, err := types.ParseTier(tier)
	if err != nil {
		return nil, fmt.Errorf("assetclient: %w", err)
	}
	if key == "" {
		return nil, fmt.Errorf("assetclient: key is required")
	}
	ref := types.AssetRef{Collection: coll, Key: key, Tier: t}

	if c.js != nil && c.bucket != "" {
		data, err := c.direct(ctx, ref)
		if err == nil {
			return &Asset{Ref: ref, Data: data, Direct: true}, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return c.fromCache(ctx, ref)
}

func (c *Client) direct(ctx context.Context, ref types.AssetRef) ([]byte, error) {
	obs, err := c.js.ObjectStore(ctx, c.bucket)
	if err != nil {
		return nil, fmt.Errorf("assetclient: opening object store %q: %w", c.bucket, err)
	}
	return obs.GetBytes(ctx, ref.String())
}

func (c *Client) fromCache(ctx context.Context, ref types.AssetRef) (*Asset, error) {
	subject := fmt.Sprintf("%s.get.%s.%s", c.prefix, ref.Collection, ref.Tier)
	resp, err := c.request(ctx, subject, []byte(ref.Key))
	if err != nil {
		return nil, err
	}
	return &Asset{
		Ref:      ref,
		Data:     resp.Data,
		Checksum: resp.Header.Get(serve.HeaderChecksum),
	}, nil
}

// ReportDistance sends a viewing distance sample to the cache process.
func (c *Client) ReportDistance(ctx context.Context, distance float64) (*serve.DistanceResponse, error) {
	body, err := json.Marshal(serve.DistanceRequest{Distance: &distance})
	if err != nil {
		return nil, fmt.Errorf("assetclient: encoding distance: %w", err)
	}
	resp, err := c.request(ctx, c.prefix+".distance", body)
	if err != nil {
		return nil, err
	}
	var out serve.DistanceResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("assetclient: decoding distance response: %w", err)
	}
	return &out, nil
}

func (c *Client) request(ctx context.Context, subject string, body []byte) (*nats.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.nc.RequestWithContext(ctx, subject, body)
	if err != nil {
		return nil, fmt.Errorf("assetclient: request %s: %w", subject, err)
	}
	if msg := resp.Header.Get(serve.HeaderError); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, msg)
	}
	return resp, nil
}

func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrObjectNotFound) || errors.Is(err, jetstream.ErrBucketNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
