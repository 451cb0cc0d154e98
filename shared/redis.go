package shared

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/zalando/reqcount/net"
)

const (
	registryKey     = "reqcount.queues"
	fieldValue      = "value"
	fieldVersion    = "version"
	registerTimeout = 5 * time.Second
)

func dataKey(key string) string { return "reqcount.data." + key }

func readyChannel(queue string) string { return queue + ".ready" }

// parseEntry decodes the hash holding a store entry. An empty hash is
// an absent entry.
func parseEntry(m map[string]string) ([]byte, Token, error) {
	if len(m) == 0 {
		return nil, 0, nil
	}

	v, err := strconv.ParseUint(m[fieldVersion], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid version %q: %w", m[fieldVersion], err)
	}

	return []byte(m[fieldValue]), Token(v), nil
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	notifier *notifier
	done     chan struct{}
}

// Redis implements Store and Queues on a redis ring. Entries are hashes
// of value and version, updated in WATCH/MULTI transactions. Queues are
// lists, and every enqueue publishes one readiness message on the
// channel of the queue.
type Redis struct {
	client *net.RedisRingClient

	mu     sync.Mutex
	names  map[QueueID]string
	subs   map[QueueID]*redisSubscription
	closed bool
}

var (
	_ Store  = (*Redis)(nil)
	_ Queues = (*Redis)(nil)
)

func NewRedis(client *net.RedisRingClient) *Redis {
	return &Redis{
		client: client,
		names:  make(map[QueueID]string),
		subs:   make(map[QueueID]*redisSubscription),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, Token, error) {
	m, err := r.client.HGetAll(ctx, dataKey(key))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return parseEntry(m)
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, token Token) error {
	k := dataKey(key)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current Token
		v, err := tx.HGet(ctx, k, fieldVersion).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", v, err)
			}
			current = Token(n)
		}

		if current != token {
			return ErrCasMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, fieldValue, value, fieldVersion, uint64(current+1))
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrCasMismatch):
		return ErrCasMismatch
	default:
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
}

func (r *Redis) Register(vmID, name string, h ReadyHandler) (QueueID, error) {
	id, qn := queueID(vmID, name), queueName(vmID, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	if sub, ok := r.subs[id]; ok {
		sub.notifier.setHandler(h)
		return id, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	ps := r.client.Subscribe(ctx, readyChannel(qn))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return 0, fmt.Errorf("failed to subscribe to queue %s: %w", qn, err)
	}

	if _, err := r.client.SAdd(ctx, registryKey, qn); err != nil {
		ps.Close()
		return 0, fmt.Errorf("failed to register queue %s: %w", qn, err)
	}

	backlog, err := r.client.LLen(ctx, qn)
	if err != nil {
		ps.Close()
		return 0, fmt.Errorf("failed to get length of queue %s: %w", qn, err)
	}

	sub := &redisSubscription{
		pubsub:   ps,
		notifier: newNotifier(id, h),
		done:     make(chan struct{}),
	}

	r.subs[id] = sub
	r.names[id] = qn
	go r.receive(qn, sub)

	if backlog > 0 {
		log.Infof("Queue %s has %d messages waiting", qn, backlog)
		sub.notifier.notify(int(backlog))
	}

	return id, nil
}

func (r *Redis) receive(queue string, sub *redisSubscription) {
	defer close(sub.done)
	for range sub.pubsub.Channel() {
		sub.notifier.notify(1)
	}

	log.Debugf("Stopped receiving readiness of queue %s", queue)
}

func (r *Redis) Resolve(vmID, name string) (QueueID, error) {
	id, qn := queueID(vmID, name), queueName(vmID, name)

	r.mu.Lock()
	_, ok := r.names[id]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	ok, err := r.client.SIsMember(ctx, registryKey, qn)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve queue %s: %w", qn, err)
	}

	if !ok {
		return 0, ErrQueueNotFound
	}

	r.mu.Lock()
	r.names[id] = qn
	r.mu.Unlock()
	return id, nil
}

func (r *Redis) queue(id QueueID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}

	qn, ok := r.names[id]
	if !ok {
		return "", ErrQueueNotFound
	}

	return qn, nil
}

func (r *Redis) Enqueue(ctx context.Context, id QueueID, data []byte) error {
	qn, err := r.queue(id)
	if err != nil {
		return err
	}

	if _, err := r.client.RPush(ctx, qn, data); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", qn, err)
	}

	if _, err := r.client.Publish(ctx, readyChannel(qn), "1"); err != nil {
		return fmt.Errorf("failed to notify %s: %w", qn, err)
	}

	return nil
}

func (r *Redis) Dequeue(ctx context.Context, id QueueID) ([]byte, error) {
	qn, err := r.queue(id)
	if err != nil {
		return nil, err
	}

	s, err := r.client.LPop(ctx, qn)
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	} else if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", qn, err)
	}

	return []byte(s), nil
}

// Close stops the subscriptions. It does not close the ring client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	subs := r.subs
	r.mu.Unlock()

	for _, sub := range subs {
		sub.pubsub.Close()
		<-sub.done
		sub.notifier.stop()
	}

	return nil
}
