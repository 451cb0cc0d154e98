package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/shared"
)

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Queues  shared.Queues
	Updater *Updater
	Metrics metrics.Metrics
	Log     logging.Logger
}

// Service consumes the events of the filters and applies them to the
// counters. It is activated by Configure.
type Service struct {
	queues  shared.Queues
	updater *Updater
	metrics metrics.Metrics
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	config        *ServiceConfig
	queue         shared.QueueID
	deadLetter    shared.QueueID
	hasDeadLetter bool
}

func NewService(o ServiceOptions) *Service {
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queues:  o.Queues,
		updater: o.Updater,
		metrics: o.Metrics,
		log:     o.Log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Configure parses the service configuration and registers the queue
// of the service. The service stays inactive when it fails.
func (s *Service) Configure(raw []byte) error {
	c, err := ParseServiceConfig(raw)
	if err != nil {
		s.log.Errorf("Failed to configure counting service: %v", err)
		return err
	}

	var (
		deadLetter    shared.QueueID
		hasDeadLetter bool
	)

	if c.DeadLetterChannel != "" {
		deadLetter, err = s.queues.Resolve(c.VMID, c.DeadLetterChannel)
		if errors.Is(err, shared.ErrQueueNotFound) {
			deadLetter, err = s.queues.Register(c.VMID, c.DeadLetterChannel, nil)
		}

		if err != nil {
			return fmt.Errorf("failed to register dead letter queue %s: %w", c.DeadLetterChannel, err)
		}

		hasDeadLetter = true
	}

	// the handler may be called before Register returns
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.queues.Register(c.VMID, c.ChannelName, s)
	if err != nil {
		return fmt.Errorf("failed to register queue %s: %w", c.ChannelName, err)
	}

	s.config = c
	s.queue = id
	s.deadLetter = deadLetter
	s.hasDeadLetter = hasDeadLetter

	s.log.Infof("Loaded config %+v", *c)
	return nil
}

func (s *Service) state() (shared.QueueID, bool, shared.QueueID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue, s.config != nil, s.deadLetter, s.hasDeadLetter
}

// OnQueueReady dequeues and applies one message. Notifications of other
// queues are ignored.
func (s *Service) OnQueueReady(id shared.QueueID) {
	queue, active, deadLetter, hasDeadLetter := s.state()
	if !active || id != queue || s.ctx.Err() != nil {
		return
	}

	msg, err := s.queues.Dequeue(s.ctx, queue)
	if errors.Is(err, shared.ErrQueueEmpty) {
		s.log.Debug("Queue ready without a message")
		return
	} else if err != nil {
		s.log.Errorf("Failed to dequeue: %v", err)
		return
	}

	e, n, err := s.updater.Apply(s.ctx, msg)
	if err == nil {
		s.log.Debugf("Saved request count %s: %d", e.RequestKey, n)
		return
	}

	var derr *DecodeError
	if !errors.As(err, &derr) && s.ctx.Err() != nil {
		if s.requeue(queue, e, msg) {
			return
		}
	}

	switch {
	case errors.As(err, &derr):
		s.log.Errorf("Dropping message: %v", err)
	case errors.Is(err, ErrTooManyConflicts):
		s.log.Errorf("Dropping event for %s: %v", e.RequestKey, err)
	case s.ctx.Err() != nil:
		s.log.Errorf("Dropping event for %s, service closed: %v", e.RequestKey, err)
	default:
		s.log.Errorf("Failed to apply event for %s: %v", e.RequestKey, err)
	}

	s.metrics.IncCounter(metrics.KeyServiceDropped)

	if !hasDeadLetter {
		return
	}

	// the service context may be done already
	if err := s.queues.Enqueue(context.Background(), deadLetter, msg); err != nil {
		s.log.Errorf("Failed to dead letter message: %v", err)
		return
	}

	s.metrics.IncCounter(metrics.KeyServiceDeadLettered)
}

// requeue puts back a message whose increment was canceled by Close, so
// that the next consumer of the queue applies it.
func (s *Service) requeue(queue shared.QueueID, e RequestEvent, msg []byte) bool {
	// the service context is done
	if err := s.queues.Enqueue(context.Background(), queue, msg); err != nil {
		s.log.Errorf("Failed to requeue event for %s: %v", e.RequestKey, err)
		return false
	}

	s.log.Infof("Requeued event for %s, service closed", e.RequestKey)
	return true
}

// Close cancels the increments in progress. Their events are put back
// on the queue. Notifications received after Close are ignored.
func (s *Service) Close() error {
	s.cancel()
	return nil
}
