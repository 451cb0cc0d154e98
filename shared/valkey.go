package shared

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"

	"github.com/zalando/reqcount/net"
)

const receiveRetryInterval = time.Second

// casScript sets value and increments the version when the stored
// version equals ARGV[2]. A missing entry has version 0.
var casScript = net.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
	current = 0
else
	current = tonumber(current)
end
if current ~= tonumber(ARGV[2]) then
	return 0
end
redis.call("HSET", KEYS[1], "value", ARGV[1], "version", current + 1)
return 1
`)

type valkeySubscription struct {
	cancel   context.CancelFunc
	notifier *notifier
	done     chan struct{}
}

// Valkey implements Store and Queues on a valkey ring. It uses the
// same layout as Redis, with a Lua script instead of a transaction for
// the conditional write.
type Valkey struct {
	client *net.ValkeyRingClient

	mu     sync.Mutex
	names  map[QueueID]string
	subs   map[QueueID]*valkeySubscription
	closed bool
}

var (
	_ Store  = (*Valkey)(nil)
	_ Queues = (*Valkey)(nil)
)

func NewValkey(client *net.ValkeyRingClient) *Valkey {
	return &Valkey{
		client: client,
		names:  make(map[QueueID]string),
		subs:   make(map[QueueID]*valkeySubscription),
	}
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, Token, error) {
	m, err := v.client.HGetAll(ctx, dataKey(key))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return parseEntry(m)
}

func (v *Valkey) Set(ctx context.Context, key string, value []byte, token Token) error {
	msg, err := v.client.RunScript(ctx, casScript, []string{dataKey(key)}, string(value), strconv.FormatUint(uint64(token), 10))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	n, err := msg.AsInt64()
	if err != nil {
		return fmt.Errorf("unexpected reply writing %s: %w", key, err)
	}

	if n == 0 {
		return ErrCasMismatch
	}

	return nil
}

func (v *Valkey) Register(vmID, name string, h ReadyHandler) (QueueID, error) {
	id, qn := queueID(vmID, name), queueName(vmID, name)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return 0, ErrClosed
	}

	if sub, ok := v.subs[id]; ok {
		sub.notifier.setHandler(h)
		return id, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	channel := readyChannel(qn)
	before, err := v.client.NumSub(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("failed to subscribe to queue %s: %w", qn, err)
	}

	rctx, rcancel := context.WithCancel(context.Background())
	sub := &valkeySubscription{
		cancel:   rcancel,
		notifier: newNotifier(id, h),
		done:     make(chan struct{}),
	}
	go v.receive(rctx, qn, sub)

	if err := v.waitSubscribed(ctx, channel, before); err != nil {
		rcancel()
		<-sub.done
		sub.notifier.stop()
		return 0, fmt.Errorf("failed to subscribe to queue %s: %w", qn, err)
	}

	if _, err := v.client.SAdd(ctx, registryKey, qn); err != nil {
		rcancel()
		<-sub.done
		sub.notifier.stop()
		return 0, fmt.Errorf("failed to register queue %s: %w", qn, err)
	}

	v.subs[id] = sub
	v.names[id] = qn

	backlog, err := v.client.LLen(ctx, qn)
	if err != nil {
		log.Errorf("Failed to get length of queue %s: %v", qn, err)
	} else if backlog > 0 {
		log.Infof("Queue %s has %d messages waiting", qn, backlog)
		sub.notifier.notify(int(backlog))
	}

	return id, nil
}

// waitSubscribed polls the subscriber count of the channel, because
// Receive does not report when the subscription is active.
func (v *Valkey) waitSubscribed(ctx context.Context, channel string, before int64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		n, err := v.client.NumSub(ctx, channel)
		if err == nil && n > before {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *Valkey) receive(ctx context.Context, queue string, sub *valkeySubscription) {
	defer close(sub.done)

	channel := readyChannel(queue)
	for {
		err := v.client.Receive(ctx, channel, func(valkey.PubSubMessage) {
			sub.notifier.notify(1)
		})

		if ctx.Err() != nil {
			log.Debugf("Stopped receiving readiness of queue %s", queue)
			return
		}

		log.Errorf("Failed to receive readiness of queue %s, retry in %v: %v", queue, receiveRetryInterval, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(receiveRetryInterval):
		}
	}
}

func (v *Valkey) Resolve(vmID, name string) (QueueID, error) {
	id, qn := queueID(vmID, name), queueName(vmID, name)

	v.mu.Lock()
	_, ok := v.names[id]
	v.mu.Unlock()
	if ok {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	ok, err := v.client.SIsMember(ctx, registryKey, qn)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve queue %s: %w", qn, err)
	}

	if !ok {
		return 0, ErrQueueNotFound
	}

	v.mu.Lock()
	v.names[id] = qn
	v.mu.Unlock()
	return id, nil
}

func (v *Valkey) queue(id QueueID) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrClosed
	}

	qn, ok := v.names[id]
	if !ok {
		return "", ErrQueueNotFound
	}

	return qn, nil
}

func (v *Valkey) Enqueue(ctx context.Context, id QueueID, data []byte) error {
	qn, err := v.queue(id)
	if err != nil {
		return err
	}

	if _, err := v.client.RPush(ctx, qn, string(data)); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", qn, err)
	}

	if _, err := v.client.Publish(ctx, readyChannel(qn), "1"); err != nil {
		return fmt.Errorf("failed to notify %s: %w", qn, err)
	}

	return nil
}

func (v *Valkey) Dequeue(ctx context.Context, id QueueID) ([]byte, error) {
	qn, err := v.queue(id)
	if err != nil {
		return nil, err
	}

	s, err := v.client.LPop(ctx, qn)
	if valkey.IsValkeyNil(err) {
		return nil, ErrQueueEmpty
	} else if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", qn, err)
	}

	return []byte(s), nil
}

// Close stops the subscriptions. It does not close the ring client.
func (v *Valkey) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}

	v.closed = true
	subs := v.subs
	v.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
		sub.notifier.stop()
	}

	return nil
}

