package shared

import (
	"bytes"
	"context"
	"sync"
)

type entry struct {
	value   []byte
	version Token
}

type memoryQueue struct {
	msgs     [][]byte
	notifier *notifier
}

// Memory implements Store and Queues within a single process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	queues  map[QueueID]*memoryQueue
	closed  bool
}

var (
	_ Store  = (*Memory)(nil)
	_ Queues = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		queues:  make(map[QueueID]*memoryQueue),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, 0, ErrClosed
	}

	e, ok := m.entries[key]
	if !ok {
		return nil, 0, nil
	}

	return bytes.Clone(e.value), e.version, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	e := m.entries[key]
	if e.version != token {
		return ErrCasMismatch
	}

	m.entries[key] = entry{value: bytes.Clone(value), version: e.version + 1}
	return nil
}

func (m *Memory) Register(vmID, name string, h ReadyHandler) (QueueID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	id := queueID(vmID, name)
	if q, ok := m.queues[id]; ok {
		q.notifier.setHandler(h)
		return id, nil
	}

	m.queues[id] = &memoryQueue{notifier: newNotifier(id, h)}
	return id, nil
}

func (m *Memory) Resolve(vmID, name string) (QueueID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := queueID(vmID, name)
	if _, ok := m.queues[id]; !ok {
		return 0, ErrQueueNotFound
	}

	return id, nil
}

func (m *Memory) Enqueue(_ context.Context, id QueueID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	q, ok := m.queues[id]
	if !ok {
		return ErrQueueNotFound
	}

	q.msgs = append(q.msgs, bytes.Clone(data))
	q.notifier.notify(1)
	return nil
}

func (m *Memory) Dequeue(_ context.Context, id QueueID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	q, ok := m.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}

	if len(q.msgs) == 0 {
		return nil, ErrQueueEmpty
	}

	msg := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	return msg, nil
}

// Len returns the number of messages waiting in the queue.
func (m *Memory) Len(id QueueID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[id]; ok {
		return len(q.msgs)
	}

	return 0
}

// Close stops delivering notifications. Handlers running at the time of
// the call complete before Close returns.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	queues := m.queues
	m.mu.Unlock()

	for _, q := range queues {
		q.notifier.stop()
	}

	return nil
}
