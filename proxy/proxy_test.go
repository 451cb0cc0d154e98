package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/reqcount/filters"
	"github.com/zalando/reqcount/logging/loggingtest"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/metrics/metricstest"
)

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type testFilter struct {
	name     string
	calls    *calls
	request  func(filters.FilterContext)
	response func(filters.FilterContext)
}

func (f *testFilter) Request(ctx filters.FilterContext) {
	f.calls.add(f.name + ".request")
	if f.request != nil {
		f.request(ctx)
	}
}

func (f *testFilter) Response(ctx filters.FilterContext) {
	f.calls.add(f.name + ".response")
	if f.response != nil {
		f.response(ctx)
	}
}

type testProxy struct {
	proxy   *Proxy
	server  *httptest.Server
	log     *loggingtest.TestLogger
	metrics *metricstest.MockMetrics
}

func newTestProxy(t *testing.T, backend string, fs ...filters.Filter) *testProxy {
	t.Helper()

	log := loggingtest.New()
	m := &metricstest.MockMetrics{}
	p, err := New(Options{
		Backend: backend,
		Filters: fs,
		Timeout: time.Second,
		Metrics: m,
		Log:     log,
	})
	require.NoError(t, err)

	s := httptest.NewServer(p)
	t.Cleanup(func() {
		s.Close()
		p.Close()
	})

	return &testProxy{proxy: p, server: s, log: log, metrics: m}
}

func get(t *testing.T, u string, h http.Header) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest("GET", u, nil)
	require.NoError(t, err)
	for k, v := range h {
		req.Header[k] = v
	}

	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()

	b, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp, string(b)
}

func TestNewInvalidBackend(t *testing.T) {
	for _, b := range []string{"", "localhost:9090", "ftp://example.org", "http://"} {
		_, err := New(Options{Backend: b})
		assert.Error(t, err, b)
	}
}

func TestForward(t *testing.T) {
	requests := make(chan *http.Request, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		w.Header().Set("X-Backend", "yes")
		_, _ = io.WriteString(w, "backend body")
	}))
	defer backend.Close()

	c := &calls{}
	tp := newTestProxy(t, backend.URL+"/base",
		&testFilter{name: "a", calls: c, request: func(ctx filters.FilterContext) {
			ctx.Request().Header.Set("X-Filter", "a")
		}},
		&testFilter{name: "b", calls: c},
	)

	rsp, body := get(t, tp.server.URL+"/api?q=1", http.Header{"Connection": []string{"keep-alive"}, "X-Test": []string{"1"}})
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "backend body", body)
	assert.Equal(t, "yes", rsp.Header.Get("X-Backend"))
	assert.Equal(t, int64(len("backend body")), rsp.ContentLength)

	r := <-requests
	assert.Equal(t, "/base/api", r.URL.Path)
	assert.Equal(t, "q=1", r.URL.RawQuery)
	assert.Equal(t, "a", r.Header.Get("X-Filter"))
	assert.Equal(t, "1", r.Header.Get("X-Test"))
	assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), r.Host)

	if d := cmp.Diff([]string{"a.request", "b.request", "b.response", "a.response"}, c.get()); d != "" {
		t.Errorf("unexpected filter calls (-want +got):\n%s", d)
	}

	_, ok := tp.metrics.Measure(metrics.KeyProxyServe)
	assert.True(t, ok)
}

func TestPreserveHost(t *testing.T) {
	hosts := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts <- r.Host
	}))
	defer backend.Close()

	p, err := New(Options{Backend: backend.URL, PreserveHost: true, Log: loggingtest.New()})
	require.NoError(t, err)
	defer p.Close()

	req := httptest.NewRequest("GET", "http://www.example.org/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "www.example.org", <-hosts)
}

func TestServedStopsChain(t *testing.T) {
	backendCalled := make(chan struct{}, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalled <- struct{}{}
	}))
	defer backend.Close()

	c := &calls{}
	tp := newTestProxy(t, backend.URL,
		&testFilter{name: "a", calls: c},
		&testFilter{name: "b", calls: c, request: func(ctx filters.FilterContext) {
			ctx.Serve(&http.Response{
				StatusCode: http.StatusForbidden,
				Header:     http.Header{"Powered-By": []string{"test"}},
				Body:       io.NopCloser(strings.NewReader("forbidden")),
			})
		}},
		&testFilter{name: "c", calls: c},
	)

	rsp, body := get(t, tp.server.URL, nil)
	assert.Equal(t, http.StatusForbidden, rsp.StatusCode)
	assert.Equal(t, "forbidden", body)
	assert.Equal(t, "test", rsp.Header.Get("Powered-By"))
	assert.Empty(t, backendCalled)

	if d := cmp.Diff([]string{"a.request", "b.request", "b.response", "a.response"}, c.get()); d != "" {
		t.Errorf("unexpected filter calls (-want +got):\n%s", d)
	}
}

func TestUnknownLengthIsChunked(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "original")
	}))
	defer backend.Close()

	tp := newTestProxy(t, backend.URL, &testFilter{name: "body", calls: &calls{}, response: func(ctx filters.FilterContext) {
		rsp := ctx.Response()
		rsp.Header.Del("Content-Length")
		rsp.Body.Close()
		rsp.Body = io.NopCloser(strings.NewReader("replaced"))
		rsp.ContentLength = -1
	}})

	rsp, body := get(t, tp.server.URL, nil)
	assert.Equal(t, "replaced", body)
	assert.Equal(t, int64(-1), rsp.ContentLength)
	assert.Empty(t, rsp.Header.Get("Content-Length"))
	assert.Equal(t, []string{"chunked"}, rsp.TransferEncoding)
}

func TestBackendUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	u := backend.URL
	backend.Close()

	c := &calls{}
	tp := newTestProxy(t, u, &testFilter{name: "a", calls: c})

	rsp, _ := get(t, tp.server.URL, nil)
	assert.Equal(t, http.StatusBadGateway, rsp.StatusCode)
	assert.Equal(t, []string{"a.request"}, c.get())
	assert.Equal(t, int64(1), tp.metrics.Counter(metrics.KeyProxyBackendErrors))
	assert.Equal(t, 1, tp.log.Count("error: Failed to forward request"))
}

func TestFilterPanic(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	c := &calls{}
	tp := newTestProxy(t, backend.URL,
		&testFilter{name: "panic", calls: c, request: func(filters.FilterContext) { panic("boom") }},
		&testFilter{name: "b", calls: c},
	)

	rsp, body := get(t, tp.server.URL, nil)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "ok", body)
	assert.Equal(t, []string{"panic.request", "b.request", "b.response", "panic.response"}, c.get())
	assert.Equal(t, int64(1), tp.metrics.Counter(metrics.KeyProxyFilterPanics))
	assert.Equal(t, 1, tp.log.Count("boom"))
}

func TestTracing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	tracer := mocktracer.New()
	p, err := New(Options{Backend: backend.URL, Tracer: tracer, Log: loggingtest.New()})
	require.NoError(t, err)
	defer p.Close()

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "http://www.example.org/traced", nil))

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 2)

	proxySpan, ingressSpan := spans[0], spans[1]
	assert.Equal(t, "proxy", proxySpan.OperationName)
	assert.Equal(t, "ingress", ingressSpan.OperationName)
	assert.Equal(t, ingressSpan.SpanContext.SpanID, proxySpan.ParentID)
	assert.Equal(t, uint16(http.StatusOK), ingressSpan.Tag("http.status_code"))
}
