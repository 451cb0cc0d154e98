package counter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/shared"
)

const (
	DefaultMaxAttempts     = 16
	DefaultInitialInterval = 5 * time.Millisecond
	DefaultMaxInterval     = 250 * time.Millisecond
	DefaultMaxElapsedTime  = 10 * time.Second
)

// ErrTooManyConflicts is returned when every attempt of an increment
// lost the compare-and-swap to another writer.
var ErrTooManyConflicts = errors.New("counter: too many conflicts")

// ErrOverflow is returned when a counter is at its maximum value. The
// stored value is left unchanged.
var ErrOverflow = errors.New("counter: overflow")

// UpdaterOptions configure the retries of an Updater. Zero values
// select the defaults.
type UpdaterOptions struct {
	Store shared.Store

	// MaxAttempts limits the read-modify-write cycles of one increment.
	MaxAttempts uint

	// InitialInterval and MaxInterval bound the exponential backoff
	// between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxElapsedTime limits the duration of one increment.
	MaxElapsedTime time.Duration

	Metrics metrics.Metrics
	Log     logging.Logger
}

// Updater increments counters in the shared store.
type Updater struct {
	options UpdaterOptions
	store   shared.Store
	metrics metrics.Metrics
	log     logging.Logger
	warn    rate.Sometimes
}

func NewUpdater(o UpdaterOptions) *Updater {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = o.InitialInterval
	}
	if o.MaxElapsedTime <= 0 {
		o.MaxElapsedTime = DefaultMaxElapsedTime
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	return &Updater{
		options: o,
		store:   o.Store,
		metrics: o.Metrics,
		log:     o.Log,
		warn:    rate.Sometimes{First: 3, Interval: time.Second},
	}
}

func (u *Updater) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.options.InitialInterval
	b.MaxInterval = u.options.MaxInterval
	return b
}

// increment is one read-modify-write cycle. Only a lost
// compare-and-swap is retried.
func (u *Updater) increment(ctx context.Context, key string) (uint64, error) {
	data, token, err := u.store.Get(ctx, key)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to read counter %s: %w", key, err))
	}

	n, err := DecodeCount(data)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	if n == math.MaxUint64 {
		return 0, backoff.Permanent(fmt.Errorf("%w: %s", ErrOverflow, key))
	}

	n++
	value, err := encodeCount(n)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	err = u.store.Set(ctx, key, value, token)
	if errors.Is(err, shared.ErrCasMismatch) {
		u.metrics.IncCounter(metrics.KeyUpdaterConflicts)
		return 0, err
	} else if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to write counter %s: %w", key, err))
	}

	return n, nil
}

// Increment adds one to the counter of key and returns the new value.
func (u *Updater) Increment(ctx context.Context, key string) (uint64, error) {
	start := time.Now()

	n, err := backoff.Retry(ctx, func() (uint64, error) {
		return u.increment(ctx, key)
	},
		backoff.WithBackOff(u.backOff()),
		backoff.WithMaxTries(u.options.MaxAttempts),
		backoff.WithMaxElapsedTime(u.options.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			u.warn.Do(func() {
				u.log.Warnf("Conflict updating counter %s, retry in %v: %v", key, next, err)
			})
		}),
	)

	if errors.Is(err, shared.ErrCasMismatch) {
		return 0, fmt.Errorf("%w: %s", ErrTooManyConflicts, key)
	} else if err != nil {
		return 0, err
	}

	u.metrics.MeasureSince(metrics.KeyUpdaterLatency, start)
	u.metrics.IncCounter(metrics.KeyUpdaterApplied)
	u.log.Infof("Updated counter %s to %d", key, n)
	return n, nil
}

// Apply decodes a queue message and increments the counter of its key.
func (u *Updater) Apply(ctx context.Context, msg []byte) (RequestEvent, uint64, error) {
	e, err := DecodeEvent(msg)
	if err != nil {
		return RequestEvent{}, 0, err
	}

	n, err := u.Increment(ctx, e.RequestKey)
	return e, n, err
}
