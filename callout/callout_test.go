package callout

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/reqcount/logging/loggingtest"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/metrics/metricstest"
)

type result struct {
	token Token
	rsp   *Response
	err   error
}

func collect() (Callback, <-chan result) {
	c := make(chan result, 1)
	return func(t Token, rsp *Response, err error) {
		c <- result{token: t, rsp: rsp, err: err}
	}, c
}

func wait(t *testing.T, c <-chan result) result {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the callback")
		return result{}
	}
}

func newDispatcher(t *testing.T, upstreams map[string]string) (*Dispatcher, *metricstest.MockMetrics) {
	t.Helper()

	m := &metricstest.MockMetrics{}
	d, err := New(Options{
		Upstreams: upstreams,
		Metrics:   m,
		Log:       loggingtest.New(),
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return d, m
}

func getHeaders(path string) [][2]string {
	return [][2]string{
		{":method", "GET"},
		{":path", path},
		{":authority", "httpbin.org"},
		{"accept", "application/json"},
	}
}

func TestDispatch(t *testing.T) {
	requests := make(chan *http.Request, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"url": "/get"}`)
	}))
	defer backend.Close()

	d, _ := newDispatcher(t, map[string]string{"httpbin": backend.URL})

	cb, c := collect()
	token, err := d.Dispatch(context.Background(), "httpbin", getHeaders("/get?a=1"), nil, nil, time.Second, cb)
	require.NoError(t, err)

	r := wait(t, c)
	require.NoError(t, r.err)
	assert.Equal(t, token, r.token)
	assert.Equal(t, http.StatusOK, r.rsp.StatusCode)
	assert.Equal(t, `{"url": "/get"}`, string(r.rsp.Body))
	assert.Contains(t, r.rsp.Headers, [2]string{"x-upstream", "yes"})
	assert.Contains(t, r.rsp.Headers, [2]string{"content-type", "application/json"})

	got := <-requests
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, "/get", got.URL.Path)
	assert.Equal(t, "a=1", got.URL.RawQuery)
	assert.Equal(t, "httpbin.org", got.Host)
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.NotEmpty(t, got.Header.Get("X-Flow-Id"))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatchBasePath(t *testing.T) {
	paths := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
	}))
	defer backend.Close()

	d, _ := newDispatcher(t, map[string]string{"api": backend.URL + "/v1/"})

	cb, c := collect()
	_, err := d.Dispatch(context.Background(), "api", getHeaders("/status"), nil, nil, time.Second, cb)
	require.NoError(t, err)
	require.NoError(t, wait(t, c).err)
	assert.Equal(t, "/v1/status", <-paths)
}

func TestDispatchKeepsFlowID(t *testing.T) {
	ids := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get("X-Flow-Id")
	}))
	defer backend.Close()

	d, _ := newDispatcher(t, map[string]string{"httpbin": backend.URL})

	h := append(getHeaders("/"), [2]string{"x-flow-id", "flow-42"})
	cb, c := collect()
	_, err := d.Dispatch(context.Background(), "httpbin", h, nil, nil, time.Second, cb)
	require.NoError(t, err)
	require.NoError(t, wait(t, c).err)
	assert.Equal(t, "flow-42", <-ids)
}

func TestDispatchBodyAndTrailers(t *testing.T) {
	type received struct {
		body    string
		trailer string
	}

	rc := make(chan received, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rc <- received{body: string(b), trailer: r.Trailer.Get("X-Checksum")}
	}))
	defer backend.Close()

	d, _ := newDispatcher(t, map[string]string{"httpbin": backend.URL})

	h := [][2]string{{":method", "POST"}, {":path", "/post"}}
	cb, c := collect()
	_, err := d.Dispatch(context.Background(), "httpbin", h, []byte("payload"), [][2]string{{"x-checksum", "abc"}}, time.Second, cb)
	require.NoError(t, err)
	require.NoError(t, wait(t, c).err)

	if d := cmp.Diff(received{body: "payload", trailer: "abc"}, <-rc, cmp.AllowUnexported(received{})); d != "" {
		t.Errorf("unexpected request (-want +got):\n%s", d)
	}
}

func TestDispatchRejected(t *testing.T) {
	d, _ := newDispatcher(t, map[string]string{"httpbin": "http://127.0.0.1:1"})

	for _, tt := range []struct {
		name     string
		upstream string
		headers  [][2]string
		err      error
	}{{
		name:     "unknown upstream",
		upstream: "nope",
		headers:  getHeaders("/"),
		err:      ErrUnknownUpstream,
	}, {
		name:     "missing path",
		upstream: "httpbin",
		headers:  [][2]string{{":method", "GET"}},
		err:      ErrMissingHeaders,
	}, {
		name:     "missing method",
		upstream: "httpbin",
		headers:  [][2]string{{":path", "/"}},
		err:      ErrMissingHeaders,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			_, err := d.Dispatch(context.Background(), tt.upstream, tt.headers, nil, nil, time.Second, func(Token, *Response, error) {
				called = true
			})

			assert.ErrorIs(t, err, tt.err)
			assert.False(t, called)
			assert.Equal(t, 0, d.Pending())
		})
	}
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	d, m := newDispatcher(t, map[string]string{"httpbin": backend.URL})

	cb, c := collect()
	_, err := d.Dispatch(context.Background(), "httpbin", getHeaders("/delay/10"), nil, nil, 50*time.Millisecond, cb)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Pending())

	r := wait(t, c)
	assert.Error(t, r.err)
	assert.Nil(t, r.rsp)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, int64(1), m.Counter(metrics.KeyCalloutErrors))
}

func TestDispatchUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	d, m := newDispatcher(t, map[string]string{"httpbin": url})

	cb, c := collect()
	_, err := d.Dispatch(context.Background(), "httpbin", getHeaders("/"), nil, nil, time.Second, cb)
	require.NoError(t, err)

	r := wait(t, c)
	assert.Error(t, r.err)
	assert.Equal(t, int64(1), m.Counter(metrics.KeyCalloutErrors))
}

func TestDispatchBodyTooLarge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer backend.Close()

	d, err := New(Options{
		Upstreams:   map[string]string{"httpbin": backend.URL},
		MaxBodySize: 4,
		Log:         loggingtest.New(),
	})
	require.NoError(t, err)
	defer d.Close()

	cb, c := collect()
	_, err = d.Dispatch(context.Background(), "httpbin", getHeaders("/"), nil, nil, time.Second, cb)
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, c).err, ErrBodyTooLarge)
}

func TestClose(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	d, err := New(Options{
		Upstreams: map[string]string{"httpbin": backend.URL},
		Log:       loggingtest.New(),
	})
	require.NoError(t, err)

	calls := make(chan result, 3)
	for range 3 {
		_, err := d.Dispatch(context.Background(), "httpbin", getHeaders("/"), nil, nil, time.Minute, func(t Token, rsp *Response, err error) {
			calls <- result{token: t, rsp: rsp, err: err}
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, d.Pending())
	d.Close()
	assert.Equal(t, 0, d.Pending())

	tokens := make(map[Token]bool)
	for range 3 {
		r := wait(t, calls)
		assert.ErrorIs(t, r.err, ErrClosed)
		tokens[r.token] = true
	}

	assert.Len(t, tokens, 3)
	assert.Empty(t, calls, "callback called more than once")

	_, err = d.Dispatch(context.Background(), "httpbin", getHeaders("/"), nil, nil, time.Second, func(Token, *Response, error) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewInvalidUpstream(t *testing.T) {
	for _, u := range []string{"httpbin.org", "ftp://httpbin.org", "http://"} {
		_, err := New(Options{Upstreams: map[string]string{"httpbin": u}})
		assert.Error(t, err, u)
	}
}
