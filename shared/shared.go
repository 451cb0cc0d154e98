/*
Package shared provides the process-wide state that filter instances and
the counting service have in common: a versioned key-value store guarded
by compare-and-swap, and named FIFO queues with readiness notification.

Every read of the Store returns the value together with a Token. A write
must present the Token of the read it is based on and fails with
ErrCasMismatch when another writer changed the key in between. There is
no unconditional write: the zero Token means "the key is expected to be
absent".

A queue is registered by exactly one consumer, which receives one
OnQueueReady call per enqueued message, one call at a time. Any number of
producers resolve the queue by name and enqueue concurrently.

Three implementations are available: NewMemory for a single process,
NewRedis and NewValkey for state shared across processes.
*/
package shared

import (
	"context"
	"errors"
	"fmt"

	xxhash "github.com/cespare/xxhash/v2"
)

// Token is the version of a store entry observed by a read.
type Token uint64

// QueueID identifies a registered queue.
type QueueID uint32

var (
	// ErrCasMismatch is returned by Store.Set when the presented
	// Token is stale.
	ErrCasMismatch = errors.New("shared: cas mismatch")

	// ErrQueueNotFound is returned when no queue was registered with
	// the given name, or the id is unknown.
	ErrQueueNotFound = errors.New("shared: queue not found")

	// ErrQueueEmpty is returned by Dequeue when there is no message.
	ErrQueueEmpty = errors.New("shared: queue empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("shared: closed")
)

// Store is a versioned key-value map.
type Store interface {
	// Get returns the value stored for key and its version. A
	// missing key returns a nil value and the zero Token.
	Get(ctx context.Context, key string) ([]byte, Token, error)

	// Set stores the value when the current version of the key equals
	// token, otherwise returns ErrCasMismatch.
	Set(ctx context.Context, key string, value []byte, token Token) error
}

// ReadyHandler is notified once per message enqueued on the queue it
// registered.
type ReadyHandler interface {
	OnQueueReady(QueueID)
}

// ReadyHandlerFunc adapts a function to the ReadyHandler interface.
type ReadyHandlerFunc func(QueueID)

func (f ReadyHandlerFunc) OnQueueReady(id QueueID) { f(id) }

// Queues provides named queues within a VM scope.
type Queues interface {
	// Register creates the queue, or returns the existing one with
	// the same name, and makes h its consumer.
	Register(vmID, name string, h ReadyHandler) (QueueID, error)

	// Resolve returns the id of a registered queue or
	// ErrQueueNotFound.
	Resolve(vmID, name string) (QueueID, error)

	// Enqueue appends data to the queue.
	Enqueue(ctx context.Context, id QueueID, data []byte) error

	// Dequeue removes and returns the oldest message, or
	// ErrQueueEmpty.
	Dequeue(ctx context.Context, id QueueID) ([]byte, error)
}

// queueName is the scoped name of a queue, used as the key of the queue
// by all the implementations.
func queueName(vmID, name string) string {
	return fmt.Sprintf("reqcount.queue.%s.%s", vmID, name)
}

// queueID derives the id from the scoped name, so that independent
// processes agree on it without coordination.
func queueID(vmID, name string) QueueID {
	return QueueID(xxhash.Sum64String(queueName(vmID, name)))
}
