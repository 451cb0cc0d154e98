package net

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/opentracing/opentracing-go"
	"github.com/valkey-io/valkey-go"
	"github.com/valkey-io/valkey-go/valkeyhook"

	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
)

const ringSize = 10000

// ValkeyOptions is used to configure the ValkeyRing
//
// Many options are named like
// https://pkg.go.dev/github.com/valkey-io/valkey-go#ClientOption,
// which we pass to the valkey.Client on creation
type ValkeyOptions struct {
	// Addrs are the list of valkey shards
	Addrs []string

	// Username used to connect to the Valkey server
	Username string
	// Password is the password needed to connect to Valkey server
	Password string

	// ConnWriteTimeout for valkey socket read,write,dial timeouts
	ConnWriteTimeout time.Duration
	// ConnLifetime connections will close after passing lifetime
	ConnLifetime time.Duration

	// Hook see https://pkg.go.dev/github.com/valkey-io/valkey-go/valkeyhook
	Hook valkeyhook.Hook

	// Metrics collector
	Metrics metrics.Metrics
	// MetricsPrefix is the prefix for valkey ring client metrics,
	// defaults to "shared.valkey." if not set
	MetricsPrefix string
	// Tracer provides OpenTracing for Valkey queries.
	Tracer opentracing.Tracer
	// Log is the logger that is used
	Log logging.Logger
}

func createValkeyClient(addr string, opt *ValkeyOptions) (valkey.Client, error) {
	cli, err := valkey.NewClient(valkey.ClientOption{
		Username:    opt.Username,
		Password:    opt.Password,
		InitAddress: []string{addr},

		ConnWriteTimeout: opt.ConnWriteTimeout,
		ConnLifetime:     opt.ConnLifetime,

		MaxFlushDelay: 20 * time.Microsecond,
		DisableRetry:  true,
		DisableCache:  true,
	})
	if err != nil {
		return nil, err
	}

	if opt.Hook != nil {
		cli = valkeyhook.WithHook(cli, opt.Hook)
	}
	return cli, nil
}

type valkeyRing struct {
	// maps int to client for sharding, trades memory for concurrent access
	shards       [ringSize]valkey.Client
	activeShards int

	mu        sync.Mutex
	clientMap map[string]valkey.Client // map["10.5.1.43:6379"]valkey.Client
}

func newValkeyRing(opt *ValkeyOptions) (*valkeyRing, error) {
	ring := &valkeyRing{
		clientMap: make(map[string]valkey.Client),
	}

	for _, ep := range opt.Addrs {
		cl, err := createValkeyClient(ep, opt)
		if err != nil {
			ring.close()
			return nil, fmt.Errorf("failed to create valkey client for %s: %w", ep, err)
		}
		ring.clientMap[ep] = cl
	}

	ring.updateShards(opt.Addrs)
	return ring, nil
}

// updateShards assigns the shards in the order of addr, so that every
// process configured with the same list maps a key to the same shard.
func (vr *valkeyRing) updateShards(addr []string) {
	if len(addr) == 0 {
		return
	}

	cur := -1
	shardSize := computeShardSize(len(addr))
	for i := range ringSize {
		if i%shardSize == 0 {
			cur++
		}
		vr.shards[i] = vr.clientMap[addr[cur]]
	}

	vr.activeShards = cur + 1
}

func (vr *valkeyRing) close() {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	for _, cli := range vr.clientMap {
		cli.Close()
	}
}

func (vr *valkeyRing) shardForKey(key string) valkey.Client {
	return vr.shards[xxhash.Sum64String(key)%ringSize]
}

func (vr *valkeyRing) pingAll(ctx context.Context) map[string]valkey.ValkeyResult {
	res := make(map[string]valkey.ValkeyResult)
	vr.mu.Lock()
	for k, shard := range vr.clientMap {
		res[k] = shard.Do(ctx, shard.B().Ping().Build())
	}
	vr.mu.Unlock()
	return res
}

// ValkeyRingClient is a wrapper aroung valkey.Client that does access valkey shard by
// computing a ring hash. It logs to the logging.Logger interface,
// that you can pass. It adds metrics and operations are traced with
// opentracing.
type ValkeyRingClient struct {
	ring          *valkeyRing
	log           logging.Logger
	metrics       metrics.Metrics
	metricsPrefix string
	tracer        opentracing.Tracer
	once          sync.Once
}

func NewValkeyRingClient(opt *ValkeyOptions) (*ValkeyRingClient, error) {
	if opt.Tracer == nil {
		opt.Tracer = &opentracing.NoopTracer{}
	}
	if opt.Log == nil {
		opt.Log = &logging.DefaultLog{}
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.Default
	}
	if opt.MetricsPrefix == "" {
		opt.MetricsPrefix = "shared.valkey."
	}

	ring, err := newValkeyRing(opt)
	if err != nil {
		return nil, err
	}

	vrc := &ValkeyRingClient{
		ring:          ring,
		log:           opt.Log,
		metrics:       opt.Metrics,
		metricsPrefix: opt.MetricsPrefix,
		tracer:        opt.Tracer,
	}

	vrc.metrics.UpdateGauge(vrc.metricsPrefix+"shards", float64(ring.activeShards))
	return vrc, nil
}

func (vrc *ValkeyRingClient) Close() error {
	vrc.once.Do(vrc.ring.close)
	return nil
}

func (vrc *ValkeyRingClient) StartSpan(operationName string, opts ...opentracing.StartSpanOption) opentracing.Span {
	return vrc.tracer.StartSpan(operationName, opts...)
}

func (vrc *ValkeyRingClient) startSpan(ctx context.Context, op string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, vrc.tracer, op)
	span.SetTag("db.type", "valkey")
	return span, ctx
}

func (vrc *ValkeyRingClient) RingAvailable(ctx context.Context) bool {
	return vrc.ring.activeShards > 0 && vrc.PingAll(ctx) == nil
}

func (vrc *ValkeyRingClient) PingAll(ctx context.Context) error {
	for shard, v := range vrc.ring.pingAll(ctx) {
		if err := v.Error(); err != nil {
			vrc.log.Errorf("Failed to ping valkey shard %s: %v", shard, err)
			return err
		}
	}
	return nil
}

// HGetAll returns an empty map for a missing key.
func (vrc *ValkeyRingClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	shard := vrc.ring.shardForKey(key)
	return shard.Do(ctx, shard.B().Hgetall().Key(key).Build()).AsStrMap()
}

func (vrc *ValkeyRingClient) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	span, ctx := vrc.startSpan(ctx, "valkey_rpush")
	defer span.Finish()

	shard := vrc.ring.shardForKey(key)
	return shard.Do(ctx, shard.B().Rpush().Key(key).Element(values...).Build()).AsInt64()
}

// LPop returns an error matching valkey.IsValkeyNil when the list is
// empty.
func (vrc *ValkeyRingClient) LPop(ctx context.Context, key string) (string, error) {
	span, ctx := vrc.startSpan(ctx, "valkey_lpop")
	defer span.Finish()

	shard := vrc.ring.shardForKey(key)
	return shard.Do(ctx, shard.B().Lpop().Key(key).Build()).ToString()
}

func (vrc *ValkeyRingClient) LLen(ctx context.Context, key string) (int64, error) {
	shard := vrc.ring.shardForKey(key)
	return shard.Do(ctx, shard.B().Llen().Key(key).Build()).AsInt64()
}

func (vrc *ValkeyRingClient) Publish(ctx context.Context, channel, message string) (int64, error) {
	shard := vrc.ring.shardForKey(channel)
	return shard.Do(ctx, shard.B().Publish().Channel(channel).Message(message).Build()).AsInt64()
}

// Receive subscribes to the channel and calls fn for every message
// until ctx is done or the connection fails.
func (vrc *ValkeyRingClient) Receive(ctx context.Context, channel string, fn func(valkey.PubSubMessage)) error {
	shard := vrc.ring.shardForKey(channel)
	return shard.Receive(ctx, shard.B().Subscribe().Channel(channel).Build(), fn)
}

// NumSub returns the number of subscribers of the channel.
func (vrc *ValkeyRingClient) NumSub(ctx context.Context, channel string) (int64, error) {
	shard := vrc.ring.shardForKey(channel)
	m, err := shard.Do(ctx, shard.B().PubsubNumsub().Channel(channel).Build()).AsIntMap()
	if err != nil {
		return 0, err
	}
	return m[channel], nil
}

func (vrc *ValkeyRingClient) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	shard := vrc.ring.shardForKey(key)
	return shard.Do(ctx, shard.B().Sadd().Key(key).Member(members...).Build()).AsInt64()
}

func (vrc *ValkeyRingClient) SIsMember(ctx context.Context, key, member string) (bool, error) {
	shard := vrc.ring.shardForKey(key)
	return shard.Do(ctx, shard.B().Sismember().Key(key).Member(member).Build()).AsBool()
}

// RunScript executes the script on the shard of the joined keys.
func (vrc *ValkeyRingClient) RunScript(ctx context.Context, script *valkey.Lua, keys []string, args ...string) (valkey.ValkeyMessage, error) {
	span, ctx := vrc.startSpan(ctx, "valkey_script")
	defer span.Finish()

	shard := vrc.ring.shardForKey(strings.Join(keys, ""))
	return script.Exec(ctx, shard, keys, args).ToMessage()
}

func NewScript(src string) *valkey.Lua {
	return valkey.NewLuaScript(src)
}

func computeShardSize(i int) int {
	if i == 0 {
		return ringSize
	}
	return int(math.Ceil(float64(ringSize) / float64(i)))
}
