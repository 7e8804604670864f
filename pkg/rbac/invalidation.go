package rbac

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/guardpost/pkg/observability"
)

// DefaultInvalidationChannel is the Redis channel carrying tenant evictions
const DefaultInvalidationChannel = "guardpost:role-cache:invalidate"

// RedisInvalidator evicts locally and broadcasts the eviction so every
// replica drops its copy. Messages are "<origin>|<tenantID>"; a replica
// ignores its own broadcasts.
type RedisInvalidator struct {
	client  *redis.Client
	channel string
	origin  string
	local   *RolePermissionCache
	logger  *observability.Logger
	metrics *observability.Metrics

	subscribed atomic.Bool
	// newBackOff paces resubscribe attempts
	newBackOff func() backoff.BackOff
}

func defaultResubscribeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// ErrNotSubscribed reports that remote evictions are not being received
var ErrNotSubscribed = errors.New("role cache invalidation subscription is not live")

// NewRedisInvalidator wraps local with cross-process invalidation
func NewRedisInvalidator(client *redis.Client, channel string, local *RolePermissionCache, logger *observability.Logger, metrics *observability.Metrics) *RedisInvalidator {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisInvalidator{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:     logger,
		metrics:    metrics,
		newBackOff: defaultResubscribeBackOff,
	}
}

// Invalidate evicts the tenant locally and publishes the eviction.
// Publish failures are logged; the local eviction has already happened and
// peers fall back to TTL expiry.
func (r *RedisInvalidator) Invalidate(ctx context.Context, tenantID int64) {
	r.local.Invalidate(ctx, tenantID)

	payload := r.origin + "|" + strconv.FormatInt(tenantID, 10)
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.WithError(err).WithField("tenant_id", tenantID).Warn("failed to publish role cache invalidation")
	}
}

// Run subscribes to the channel and applies remote evictions until ctx is
// cancelled, resubscribing with backoff whenever the subscription fails.
// ready, when non-nil, is closed the first time the subscription is live.
// Evictions published while disconnected are lost, so every resubscribe
// purges the local cache.
func (r *RedisInvalidator) Run(ctx context.Context, ready chan<- struct{}) error {
	b := r.newBackOff()
	resumed := false
	for {
		live, err := r.subscribe(ctx, resumed, ready)
		if ctx.Err() != nil {
			return nil
		}
		if live {
			resumed = true
			ready = nil
			b.Reset()
		}

		delay := b.NextBackOff()
		r.logger.WithError(err).WithField("retry_in", delay.String()).Warn("role cache invalidation subscription lost")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

var errSubscriptionClosed = errors.New("subscription channel closed")

// subscribe applies remote evictions until the subscription ends and
// reports whether it went live
func (r *RedisInvalidator) subscribe(ctx context.Context, resumed bool, ready chan<- struct{}) (bool, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer stop()

	if _, err := sub.Receive(ctx); err != nil {
		return false, err
	}
	if resumed {
		r.local.purge()
		r.logger.Info("role cache invalidation resubscribed")
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	if ready != nil {
		close(ready)
	}

	// Receive reports a dropped connection; Channel would reconnect silently.
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return true, err
		}
		switch m := msg.(type) {
		case *redis.Message:
			r.handle(m.Payload)
		case *redis.Subscription:
			if m.Count == 0 {
				return true, errSubscriptionClosed
			}
		}
	}
}

// Healthy fails while Run is not receiving remote evictions
func (r *RedisInvalidator) Healthy(ctx context.Context) error {
	if !r.subscribed.Load() {
		return ErrNotSubscribed
	}
	return nil
}

func (r *RedisInvalidator) handle(payload string) {
	origin, rawID, found := strings.Cut(payload, "|")
	if !found {
		r.logger.WithField("payload", payload).Warn("malformed role cache invalidation")
		return
	}
	if origin == r.origin {
		return
	}
	tenantID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		r.logger.WithField("payload", payload).Warn("malformed role cache invalidation")
		return
	}

	r.local.evict(tenantID)
	r.metrics.IncCacheInvalidation("remote")
}
