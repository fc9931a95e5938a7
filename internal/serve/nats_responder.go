package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reply headers set by the NATS responder.
const (
	HeaderError    = "Asset-Error"
	HeaderTier     = "Asset-Tier"
	HeaderChecksum = "Asset-Checksum"
	HeaderCached   = "Asset-Cached"
)

// RunNATSResponder serves the request-reply API until ctx is done.
//
//	{prefix}.get.{collection}.{tier}  body: asset key, reply: payload
//	{prefix}.distance                 body: DistanceRequest, reply: DistanceResponse
//
// Asset requests are answered concurrently, at most cfg.MaxInFlight at a
// time. When the limit is reached the subscription waits for a free slot.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, v Viewer, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "assets"
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var g errgroup.Group
	g.SetLimit(maxInFlight)
	defer g.Wait()

	getSubject := prefix + ".get.*.*"
	getSub, err := nc.Subscribe(getSubject, func(msg *nats.Msg) {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			respondAsset(rctx, msg, v, logger)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", getSubject, err)
	}
	defer getSub.Unsubscribe()

	distanceSubject := prefix + ".distance"
	distSub, err := nc.Subscribe(distanceSubject, func(msg *nats.Msg) {
		respondDistance(msg, v)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", distanceSubject, err)
	}
	defer distSub.Unsubscribe()

	logger.Info("NATS responder started",
		zap.String("get_subject", getSubject),
		zap.String("distance_subject", distanceSubject),
		zap.Int("max_in_flight", maxInFlight),
		zap.Duration("request_timeout", timeout),
	)

	<-ctx.Done()
	return nil
}

func respondAsset(ctx context.Context, msg *nats.Msg, v Viewer, logger *zap.Logger) {
	// Expected: {prefix}.get.{collection}.{tier}
	parts := strings.Split(msg.Subject, ".")
	if len(parts) < 4 {
		respondError(msg, "invalid subject format")
		return
	}
	collection, err := types.ParseCollection(parts[len(parts)-2])
	if err != nil {
		respondError(msg, err.Error())
		return
	}
	t, err := types.ParseTier(parts[len(parts)-1])
	if err != nil {
		respondError(msg, err.Error())
		return
	}
	key := strings.TrimSpace(string(msg.Data))
	if key == "" {
		respondError(msg, "asset key is required")
		return
	}

	fut := v.RequestAsset(ctx, collection, key, t)
	rec, err := fut.Wait(ctx)
	if err != nil {
		logger.Debug("NATS asset request failed", zap.String("ref", fut.Ref().String()), zap.Error(err))
		respondError(msg, err.Error())
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Data = rec.Payload
	reply.Header.Set(HeaderTier, rec.Tier.String())
	reply.Header.Set(HeaderChecksum, strconv.FormatUint(rec.Checksum, 16))
	reply.Header.Set(HeaderCached, strconv.FormatBool(rec.Cached))
	msg.RespondMsg(reply)
}

func respondDistance(msg *nats.Msg, v Viewer) {
	var req DistanceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		respondError(msg, "invalid request body: "+err.Error())
		return
	}
	if req.Distance == nil {
		respondError(msg, "distance is required")
		return
	}

	d, changed := v.ReportViewingDistance(*req.Distance)
	resp := DistanceResponse{Changed: changed, Tier: v.TierState()}
	if changed {
		resp.From = d.From.String()
		resp.To = d.To.String()
	}
	data, _ := json.Marshal(resp)
	msg.Respond(data)
}

func respondError(msg *nats.Msg, text string) {
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(HeaderError, text)
	msg.RespondMsg(reply)
}
