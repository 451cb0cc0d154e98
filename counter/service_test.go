package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/reqcount/logging/loggingtest"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/metrics/metricstest"
	"github.com/zalando/reqcount/shared"
)

// countingQueues records the dequeue calls.
type countingQueues struct {
	shared.Queues

	mu       sync.Mutex
	dequeues int
}

func (q *countingQueues) Dequeue(ctx context.Context, id shared.QueueID) ([]byte, error) {
	q.mu.Lock()
	q.dequeues++
	q.mu.Unlock()
	return q.Queues.Dequeue(ctx, id)
}

func (q *countingQueues) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeues
}

// closingStore runs close on the first read, the way a shutdown
// interrupts an increment in progress.
type closingStore struct {
	shared.Store

	once  sync.Once
	close func()
}

func (s *closingStore) Get(ctx context.Context, key string) ([]byte, shared.Token, error) {
	s.once.Do(s.close)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	return s.Store.Get(ctx, key)
}

type serviceTest struct {
	memory  *shared.Memory
	queues  *countingQueues
	service *Service
	log     *loggingtest.TestLogger
	metrics *metricstest.MockMetrics
}

func newServiceTest(t *testing.T, config string) *serviceTest {
	t.Helper()

	m := shared.NewMemory()
	q := &countingQueues{Queues: m}
	log := loggingtest.New()
	mm := &metricstest.MockMetrics{}

	s := NewService(ServiceOptions{
		Queues: q,
		Updater: NewUpdater(UpdaterOptions{
			Store:           m,
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Log:             log,
			Metrics:         mm,
		}),
		Metrics: mm,
		Log:     log,
	})

	t.Cleanup(func() {
		s.Close()
		m.Close()
	})

	if config != "" {
		require.NoError(t, s.Configure([]byte(config)))
	}

	return &serviceTest{memory: m, queues: q, service: s, log: log, metrics: mm}
}

func (st *serviceTest) enqueue(t *testing.T, channel, msg string) {
	t.Helper()
	id, err := st.memory.Resolve(DefaultVMID, channel)
	require.NoError(t, err)
	require.NoError(t, st.memory.Enqueue(context.Background(), id, []byte(msg)))
}

func TestServiceConfigure(t *testing.T) {
	st := newServiceTest(t, "")

	assert.Error(t, st.service.Configure(nil))
	_, err := st.memory.Resolve(DefaultVMID, "request_ct")
	assert.ErrorIs(t, err, shared.ErrQueueNotFound, "inactive service registers nothing")

	require.NoError(t, st.service.Configure([]byte(`{"channel_name":"request_ct"}`)))
	_, err = st.memory.Resolve(DefaultVMID, "request_ct")
	assert.NoError(t, err)

	require.NoError(t, st.service.Configure([]byte(`{"channel_name":"request_ct"}`)), "idempotent")
	assert.NoError(t, st.log.WaitFor("info: Loaded config", time.Second))
}

func TestServiceAppliesEvents(t *testing.T) {
	st := newServiceTest(t, `{"channel_name":"request_ct"}`)

	const n = 10
	for i := 0; i < n; i++ {
		st.enqueue(t, "request_ct", `{"request_key":"envoy.playground.request_ct.Do.Fail"}`)
	}
	st.enqueue(t, "request_ct", `{"request_key":"envoy.playground.request_ct.GenericRequest"}`)

	require.NoError(t, st.log.WaitForN("info: Updated counter", n+1, 3*time.Second))

	assert.Equal(t, uint64(n), storedCount(t, st.memory, "envoy.playground.request_ct.Do.Fail"))
	assert.Equal(t, uint64(1), storedCount(t, st.memory, "envoy.playground.request_ct.GenericRequest"))
	assert.Equal(t, n+1, st.queues.count(), "one dequeue per notification")
}

func TestServiceAbsentKey(t *testing.T) {
	st := newServiceTest(t, `{"channel_name":"request_ct"}`)
	st.enqueue(t, "request_ct", `{"request_key":"k"}`)

	require.NoError(t, st.log.WaitFor("info: Updated counter k to 1", time.Second))
	data, _, err := st.memory.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_count":1}`, string(data))
}

func TestServiceIgnoresForeignQueue(t *testing.T) {
	st := newServiceTest(t, `{"channel_name":"request_ct"}`)

	st.service.OnQueueReady(shared.QueueID(1))
	assert.Equal(t, 0, st.queues.count())
}

func TestServiceEmptyQueue(t *testing.T) {
	st := newServiceTest(t, `{"channel_name":"request_ct"}`)

	id, err := st.memory.Resolve(DefaultVMID, "request_ct")
	require.NoError(t, err)

	st.service.OnQueueReady(id)
	assert.Equal(t, 1, st.queues.count())
	assert.Equal(t, 1, st.log.Count("debug: Queue ready without a message"))
}

func TestServiceDropsMalformed(t *testing.T) {
	st := newServiceTest(t, `{"channel_name":"request_ct"}`)

	st.enqueue(t, "request_ct", `not json`)
	st.enqueue(t, "request_ct", `{"request_key":"k"}`)

	require.NoError(t, st.log.WaitFor("info: Updated counter k to 1", time.Second))
	assert.Equal(t, 1, st.log.Count("error: Dropping message"))
	assert.Equal(t, int64(1), st.metrics.Counter(metrics.KeyServiceDropped))
	assert.Equal(t, int64(0), st.metrics.Counter(metrics.KeyServiceDeadLettered))
}

func TestServiceDeadLetter(t *testing.T) {
	st := newServiceTest(t, `{"channel_name":"request_ct","dead_letter_channel":"dlq"}`)

	ctx := context.Background()
	require.NoError(t, st.memory.Set(ctx, "broken", []byte("garbage"), 0))

	st.enqueue(t, "request_ct", `{"request_key":"broken"}`)
	st.enqueue(t, "request_ct", ``)

	require.NoError(t, st.log.WaitForN("error: Dropping message", 2, time.Second))

	dlq, err := st.memory.Resolve(DefaultVMID, "dlq")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return st.metrics.Counter(metrics.KeyServiceDeadLettered) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, st.memory.Len(dlq))

	msg, err := st.memory.Dequeue(ctx, dlq)
	require.NoError(t, err)
	assert.Equal(t, `{"request_key":"broken"}`, string(msg))
	assert.Equal(t, int64(2), st.metrics.Counter(metrics.KeyServiceDropped))
}

func TestServiceRequeuesOnClose(t *testing.T) {
	m := shared.NewMemory()
	defer m.Close()

	log := loggingtest.New()
	mm := &metricstest.MockMetrics{}
	store := &closingStore{Store: m}

	s := NewService(ServiceOptions{
		Queues:  m,
		Updater: NewUpdater(UpdaterOptions{Store: store, Log: log, Metrics: mm}),
		Metrics: mm,
		Log:     log,
	})
	store.close = func() { s.Close() }

	require.NoError(t, s.Configure([]byte(`{"channel_name":"request_ct"}`)))

	ctx := context.Background()
	id, err := m.Resolve(DefaultVMID, "request_ct")
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, id, []byte(`{"request_key":"k"}`)))

	require.NoError(t, log.WaitFor("info: Requeued event for k", time.Second))
	assert.Equal(t, 1, m.Len(id))
	assert.Equal(t, int64(0), mm.Counter(metrics.KeyServiceDropped))

	data, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, data)

	msg, err := m.Dequeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"request_key":"k"}`, string(msg))
}
