package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPSource fetches assets with GET {base}/{collection}/{key}_{tier}.
type HTTPSource struct {
	name    string
	base    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPSource creates an HTTP source. A positive RateLimit paces requests
// to at most that many per second.
func NewHTTPSource(name string, cfg config.HTTPSourceConfig, logger *zap.Logger) (*HTTPSource, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid base_url %q: %v", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &HTTPSource{
		name:   name,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) url(ref types.AssetRef) string {
	return s.base + "/" + url.PathEscape(ref.Collection.String()) + "/" + url.PathEscape(ref.StorageKey())
}

func (s *HTTPSource) Fetch(ctx context.Context, ref types.AssetRef) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The wait would outlive the caller's deadline.
			return nil, fmt.Errorf("%s: rate limited: %w", s.name, context.DeadlineExceeded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(ref), nil)
	if err != nil {
		return nil, newError(s.name, ref, ErrMalformedResponse, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(s.name, ref, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, newError(s.name, ref, kind, fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(s.name, ref, ErrNetwork, fmt.Errorf("reading body: %w", err))
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, newError(s.name, ref, ErrMalformedResponse,
			fmt.Errorf("body length %d does not match content-length %d", len(data), resp.ContentLength))
	}
	if len(data) == 0 {
		return nil, newError(s.name, ref, ErrMalformedResponse, fmt.Errorf("empty body"))
	}

	s.logger.Debug("asset fetched over http",
		zap.String("ref", ref.String()),
		zap.Int("size", len(data)),
	)
	return data, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAccessDenied
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return ErrNetwork
	default:
		return ErrMalformedResponse
	}
}
