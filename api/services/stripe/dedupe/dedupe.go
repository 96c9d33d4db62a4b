// Package dedupe claims provider event ids across service instances so concurrent
// deliveries of the same webhook event are processed once.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claim is the result of trying to take ownership of an event id.
type Claim int

const (
	// Claimed means the caller owns the event and must Complete or Release it.
	Claimed Claim = iota
	// InFlight means another delivery of the event is being processed right now.
	InFlight
	// Done means the event was already processed.
	Done
)

func (c Claim) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	}
	return "unknown"
}

// Deduper tracks in-flight and finished provider events.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (Claim, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

const (
	valueProcessing = "processing"
	valueDone       = "done"
)

// Options tunes key lifetimes.
type Options struct {
	Prefix string
	// InFlightTTL bounds how long a crashed worker can block redelivery.
	InFlightTTL time.Duration
	// DoneTTL should exceed the provider's redelivery window (Stripe retries for 3 days).
	DoneTTL time.Duration
}

// DefaultOptions returns the lifetimes used in production.
func DefaultOptions() Options {
	return Options{
		Prefix:      "billing:webhook:",
		InFlightTTL: 5 * time.Minute,
		DoneTTL:     96 * time.Hour,
	}
}

// Redis is a Deduper backed by SET NX keys.
type Redis struct {
	rdb  redis.UniversalClient
	opts Options
}

// NewRedis returns a Redis deduper using rdb.
func NewRedis(rdb redis.UniversalClient, opts Options) *Redis {
	def := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = def.InFlightTTL
	}
	if opts.DoneTTL <= 0 {
		opts.DoneTTL = def.DoneTTL
	}
	return &Redis{rdb: rdb, opts: opts}
}

// Connect parses url, verifies the server answers and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) key(eventID string) string { return r.opts.Prefix + eventID }

func (r *Redis) Claim(ctx context.Context, eventID string) (Claim, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(eventID), valueProcessing, r.opts.InFlightTTL).Result()
	if err != nil {
		return Claimed, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if ok {
		return Claimed, nil
	}
	val, err := r.rdb.Get(ctx, r.key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; let the provider retry.
		return InFlight, nil
	}
	if err != nil {
		return Claimed, fmt.Errorf("read event %s: %w", eventID, err)
	}
	if val == valueDone {
		return Done, nil
	}
	return InFlight, nil
}

func (r *Redis) Complete(ctx context.Context, eventID string) error {
	if err := r.rdb.Set(ctx, r.key(eventID), valueDone, r.opts.DoneTTL).Err(); err != nil {
		return fmt.Errorf("complete event %s: %w", eventID, err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, eventID string) error {
	if err := r.rdb.Del(ctx, r.key(eventID)).Err(); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}

// Noop claims every event. Used when no Redis is configured; the database ledger and
// unique keys still make replays converge.
type Noop struct{}

func (Noop) Claim(context.Context, string) (Claim, error) { return Claimed, nil }
func (Noop) Complete(context.Context, string) error        { return nil }
func (Noop) Release(context.Context, string) error         { return nil }
