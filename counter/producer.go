package counter

import (
	"context"
	"fmt"

	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/shared"
)

// ProducerOptions configure a Producer.
type ProducerOptions struct {
	Store  shared.Store
	Queues shared.Queues

	// VMID and ChannelName name the queue of the counting service.
	VMID        string
	ChannelName string

	// Namespace of the counter keys, defaults to DefaultNamespace.
	Namespace string

	Metrics metrics.Metrics
	Log     logging.Logger
}

// Producer enqueues one RequestEvent per counted request.
type Producer struct {
	store     shared.Store
	queues    shared.Queues
	queue     shared.QueueID
	namespace string
	metrics   metrics.Metrics
	log       logging.Logger
}

// NewProducer resolves the queue of the counting service. It fails
// with shared.ErrQueueNotFound when the service has not registered it.
func NewProducer(o ProducerOptions) (*Producer, error) {
	if o.Store == nil || o.Queues == nil {
		return nil, fmt.Errorf("counter: producer requires a store and queues")
	}

	if o.VMID == "" {
		o.VMID = DefaultVMID
	}

	id, err := o.Queues.Resolve(o.VMID, o.ChannelName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %s/%s: %w", o.VMID, o.ChannelName, err)
	}

	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	return &Producer{
		store:     o.Store,
		queues:    o.Queues,
		queue:     id,
		namespace: o.Namespace,
		metrics:   o.Metrics,
		log:       o.Log,
	}, nil
}

// Key returns the counter key of the action.
func (p *Producer) Key(a Action, ok bool) string {
	return EventKey(p.namespace, a, ok)
}

// Bump enqueues the event of the action and returns the stored count
// plus one. The returned value is only an estimate: it is never written
// back, and concurrent requests may return the same value.
func (p *Producer) Bump(ctx context.Context, a Action, ok bool) (uint64, error) {
	key := p.Key(a, ok)

	data, _, err := p.store.Get(ctx, key)
	if err != nil {
		p.metrics.IncCounter(metrics.KeyProducerErrors)
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}

	n, err := peekCount(data)
	if err != nil {
		p.metrics.IncCounter(metrics.KeyProducerErrors)
		return 0, err
	}

	msg, err := encodeEvent(key)
	if err != nil {
		p.metrics.IncCounter(metrics.KeyProducerErrors)
		return 0, fmt.Errorf("failed to encode event for %s: %w", key, err)
	}

	if err := p.queues.Enqueue(ctx, p.queue, msg); err != nil {
		p.metrics.IncCounter(metrics.KeyProducerErrors)
		return 0, fmt.Errorf("failed to enqueue event for %s: %w", key, err)
	}

	p.metrics.IncCounter(metrics.KeyProducerEnqueued)
	p.log.Debugf("Enqueued event for %s", key)
	return n + 1, nil
}
