package net

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"

	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
)

// RedisOptions is used to configure the redis.Ring
type RedisOptions struct {
	// Addrs are the list of redis shards
	Addrs []string

	// Password for the redis shards
	Password string

	// ReadTimeout for redis socket reads
	ReadTimeout time.Duration
	// WriteTimeout for redis socket writes
	WriteTimeout time.Duration
	// DialTimeout is the max time.Duration to dial a new connection
	DialTimeout time.Duration
	// PoolTimeout is the max time.Duration to get a connection from pool
	PoolTimeout time.Duration

	// MinIdleConns is the minimum number of socket connections to redis
	MinIdleConns int
	// MaxIdleConns is the maximum number of socket connections to redis
	MaxIdleConns int

	// ConnMetricsInterval defines the frequency of updating the redis
	// connection related metrics. Defaults to 60 seconds.
	ConnMetricsInterval time.Duration
	// MetricsPrefix is the prefix for redis ring client metrics,
	// defaults to "shared.redis." if not set
	MetricsPrefix string
	// Metrics collector
	Metrics metrics.Metrics
	// Tracer provides OpenTracing for Redis queries.
	Tracer opentracing.Tracer
	// Log is the logger that is used
	Log logging.Logger
}

// RedisRingClient wraps a redis.Ring with the logging, metrics and
// tracing of the process.
type RedisRingClient struct {
	ring          *redis.Ring
	log           logging.Logger
	metrics       metrics.Metrics
	metricsPrefix string
	options       *RedisOptions
	tracer        opentracing.Tracer
	quit          chan struct{}
}

const (
	DefaultReadTimeout  = 25 * time.Millisecond
	DefaultWriteTimeout = 25 * time.Millisecond
	DefaultPoolTimeout  = 25 * time.Millisecond
	DefaultDialTimeout  = 25 * time.Millisecond
	DefaultMinConns     = 100
	DefaultMaxConns     = 100

	defaultConnMetricsInterval = 60 * time.Second
	defaultRedisMetricsPrefix  = "shared.redis."
)

func NewRedisRingClient(ro *RedisOptions) *RedisRingClient {
	if ro == nil {
		ro = &RedisOptions{}
	}

	r := &RedisRingClient{
		quit:          make(chan struct{}),
		metrics:       ro.Metrics,
		metricsPrefix: ro.MetricsPrefix,
		tracer:        ro.Tracer,
		log:           ro.Log,
		options:       ro,
	}

	if r.metrics == nil {
		r.metrics = metrics.Default
	}
	if r.metricsPrefix == "" {
		r.metricsPrefix = defaultRedisMetricsPrefix
	}
	if r.tracer == nil {
		r.tracer = &opentracing.NoopTracer{}
	}
	if r.log == nil {
		r.log = &logging.DefaultLog{}
	}
	if ro.ConnMetricsInterval <= 0 {
		ro.ConnMetricsInterval = defaultConnMetricsInterval
	}

	ringOptions := &redis.RingOptions{
		Addrs:        map[string]string{},
		Password:     ro.Password,
		ReadTimeout:  ro.ReadTimeout,
		WriteTimeout: ro.WriteTimeout,
		PoolTimeout:  ro.PoolTimeout,
		DialTimeout:  ro.DialTimeout,
		MinIdleConns: ro.MinIdleConns,
		PoolSize:     ro.MaxIdleConns,
	}
	for idx, addr := range ro.Addrs {
		ringOptions.Addrs[fmt.Sprintf("redis%d", idx)] = addr
	}

	r.ring = redis.NewRing(ringOptions)
	return r
}

// RingAvailable pings the ring with exponential backoff.
func (r *RedisRingClient) RingAvailable(ctx context.Context) bool {
	_, err := backoff.Retry(ctx, func() (string, error) {
		return r.ring.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(8),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Infof("Failed to ping redis, retry in %v: %v", next, err)
		}),
	)

	return err == nil
}

func (r *RedisRingClient) StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(r.options.ConnMetricsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := r.ring.PoolStats()
				r.metrics.UpdateGauge(r.metricsPrefix+"hits", float64(stats.Hits))
				r.metrics.UpdateGauge(r.metricsPrefix+"idleconns", float64(stats.IdleConns))
				r.metrics.UpdateGauge(r.metricsPrefix+"misses", float64(stats.Misses))
				r.metrics.UpdateGauge(r.metricsPrefix+"staleconns", float64(stats.StaleConns))
				r.metrics.UpdateGauge(r.metricsPrefix+"timeouts", float64(stats.Timeouts))
				r.metrics.UpdateGauge(r.metricsPrefix+"totalconns", float64(stats.TotalConns))
			case <-r.quit:
				return
			}
		}
	}()
}

func (r *RedisRingClient) Metrics() metrics.Metrics {
	return r.metrics
}

func (r *RedisRingClient) Tracer() opentracing.Tracer {
	return r.tracer
}

func (r *RedisRingClient) Close() error {
	if r == nil {
		return nil
	}

	select {
	case <-r.quit:
		return nil
	default:
	}

	close(r.quit)
	return r.ring.Close()
}

func (r *RedisRingClient) startSpan(ctx context.Context, op string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, r.tracer, op)
	span.SetTag("db.type", "redis")
	return span, ctx
}

// Watch runs fn in an optimistic transaction watching the keys. The
// keys must map to the same shard.
func (r *RedisRingClient) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	span, ctx := r.startSpan(ctx, "redis_watch")
	defer span.Finish()
	return r.ring.Watch(ctx, fn, keys...)
}

func (r *RedisRingClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.ring.HGetAll(ctx, key).Result()
}

func (r *RedisRingClient) RPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	span, ctx := r.startSpan(ctx, "redis_rpush")
	defer span.Finish()
	return r.ring.RPush(ctx, key, values...).Result()
}

// LPop returns redis.Nil when the list is empty.
func (r *RedisRingClient) LPop(ctx context.Context, key string) (string, error) {
	span, ctx := r.startSpan(ctx, "redis_lpop")
	defer span.Finish()
	return r.ring.LPop(ctx, key).Result()
}

func (r *RedisRingClient) LLen(ctx context.Context, key string) (int64, error) {
	return r.ring.LLen(ctx, key).Result()
}

func (r *RedisRingClient) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	return r.ring.Publish(ctx, channel, message).Result()
}

func (r *RedisRingClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.ring.Subscribe(ctx, channels...)
}

func (r *RedisRingClient) SAdd(ctx context.Context, key string, members ...interface{}) (int64, error) {
	return r.ring.SAdd(ctx, key, members...).Result()
}

func (r *RedisRingClient) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	return r.ring.SIsMember(ctx, key, member).Result()
}
