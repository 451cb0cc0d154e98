/*
Package callout dispatches asynchronous HTTP calls to named upstreams.

A call is described by pseudo and regular header pairs, the way a filter
sees the request headers:

	[][2]string{
		{":method", "GET"},
		{":path", "/get"},
		{":authority", "httpbin.org"},
		{"accept", "application/json"},
	}

Every accepted call gets a token in the pending table of the Dispatcher.
When the call completes, fails or times out, the token is removed and
the callback is called exactly once. Closing the dispatcher cancels the
pending calls; their callbacks receive ErrClosed.
*/
package callout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	snet "github.com/zalando/reqcount/net"
)

const (
	// DefaultTimeout is used for calls dispatched without a timeout.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxBodySize limits the response body read from the
	// upstream.
	DefaultMaxBodySize = 1 << 20

	flowIDHeader = "X-Flow-Id"
	spanName     = "callout"
)

var (
	ErrUnknownUpstream = errors.New("callout: unknown upstream")
	ErrMissingHeaders  = errors.New("callout: missing :method or :path")
	ErrClosed          = errors.New("callout: dispatcher closed")
	ErrBodyTooLarge    = errors.New("callout: response body too large")
)

// Token identifies a pending call.
type Token uint32

// Response of an upstream. Headers are listed like the request headers
// of the filters, lower-cased and ordered by name.
type Response struct {
	StatusCode int
	Headers    [][2]string
	Body       []byte
}

// Callback receives either the response or the error of a call.
type Callback func(Token, *Response, error)

// Options configure a Dispatcher.
type Options struct {
	// Upstreams maps the upstream names to their base URLs, e.g.
	// "httpbin" to "https://httpbin.org".
	Upstreams map[string]string

	// Transport executes the calls. When not set, a traced
	// net.Transport is used.
	Transport http.RoundTripper

	// Timeout is used for calls dispatched without a timeout,
	// defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxBodySize defaults to DefaultMaxBodySize.
	MaxBodySize int64

	Metrics metrics.Metrics
	Log     logging.Logger
}

type call struct {
	cancel context.CancelFunc
	cb     Callback
}

// Dispatcher executes the calls and keeps the table of the pending
// ones.
type Dispatcher struct {
	upstreams   map[string]*url.URL
	transport   http.RoundTripper
	timeout     time.Duration
	maxBodySize int64
	metrics     metrics.Metrics
	log         logging.Logger
	quit        chan struct{}

	mu      sync.Mutex
	next    Token
	pending map[Token]*call
	closed  bool
	wg      sync.WaitGroup
}

func New(o Options) (*Dispatcher, error) {
	upstreams := make(map[string]*url.URL, len(o.Upstreams))
	for name, raw := range o.Upstreams {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid url of upstream %s: %w", name, err)
		}

		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("invalid url of upstream %s: %s", name, raw)
		}

		upstreams[name] = u
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	quit := make(chan struct{})
	if o.Transport == nil {
		o.Transport = snet.WithSpanName(snet.NewTransport(snet.Options{Timeout: o.Timeout}, quit), spanName)
	}

	return &Dispatcher{
		upstreams:   upstreams,
		transport:   o.Transport,
		timeout:     o.Timeout,
		maxBodySize: o.MaxBodySize,
		metrics:     o.Metrics,
		log:         o.Log,
		quit:        quit,
		pending:     make(map[Token]*call),
	}, nil
}

// Dispatch starts a call to the upstream. Invalid calls are rejected
// with an error, and then the callback is never called. The context
// carries the tracing span of the call, its cancelation cancels the
// call.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	upstream string,
	headers [][2]string,
	body []byte,
	trailers [][2]string,
	timeout time.Duration,
	cb Callback,
) (Token, error) {
	u, ok := d.upstreams[upstream]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUpstream, upstream)
	}

	req, err := newRequest(u, headers, body, trailers)
	if err != nil {
		return 0, err
	}

	if timeout <= 0 {
		timeout = d.timeout
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}

	d.next++
	token := d.next
	cctx, cancel := context.WithTimeout(ctx, timeout)
	d.pending[token] = &call{cancel: cancel, cb: cb}
	d.wg.Add(1)
	n := len(d.pending)
	d.mu.Unlock()

	d.metrics.UpdateGauge(metrics.KeyCalloutPending, float64(n))

	go func() {
		defer d.wg.Done()

		rsp, err := d.roundTrip(req.WithContext(cctx))
		c, ok := d.complete(token)
		if !ok {
			return
		}

		c.cancel()
		if err != nil {
			d.metrics.IncCounter(metrics.KeyCalloutErrors)
			d.log.Errorf("Call %d to %s failed: %v", token, upstream, err)
		}

		c.cb(token, rsp, err)
	}()

	return token, nil
}

func (d *Dispatcher) roundTrip(req *http.Request) (*Response, error) {
	rsp, err := d.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	defer rsp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(rsp.Body, d.maxBodySize+1))
	if err != nil {
		return nil, err
	}

	if int64(len(b)) > d.maxBodySize {
		return nil, ErrBodyTooLarge
	}

	return &Response{
		StatusCode: rsp.StatusCode,
		Headers:    snet.HeaderPairs(rsp.Header),
		Body:       b,
	}, nil
}

// complete removes the token from the pending table. It returns false
// when the call was already completed by Close.
func (d *Dispatcher) complete(token Token) (*call, bool) {
	d.mu.Lock()
	c, ok := d.pending[token]
	delete(d.pending, token)
	n := len(d.pending)
	d.mu.Unlock()

	if ok {
		d.metrics.UpdateGauge(metrics.KeyCalloutPending, float64(n))
	}

	return c, ok
}

// Pending returns the number of calls waiting for completion.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels the pending calls and waits until their goroutines
// exit. Further calls to Dispatch fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.closed = true
	close(d.quit)
	pending := d.pending
	d.pending = make(map[Token]*call)
	d.mu.Unlock()

	d.metrics.UpdateGauge(metrics.KeyCalloutPending, 0)
	for token, c := range pending {
		c.cancel()
		c.cb(token, nil, ErrClosed)
	}

	d.wg.Wait()
}

func newRequest(u *url.URL, headers [][2]string, body []byte, trailers [][2]string) (*http.Request, error) {
	var method, path, authority string
	for _, h := range headers {
		switch h[0] {
		case ":method":
			method = h[1]
		case ":path":
			path = h[1]
		case ":authority":
			authority = h[1]
		}
	}

	if method == "" || path == "" {
		return nil, ErrMissingHeaders
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}

	target := *u
	target.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	target.RawPath = ""
	target.RawQuery = ref.RawQuery

	var r io.Reader
	if len(body) > 0 {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, target.String(), r)
	if err != nil {
		return nil, err
	}

	req.Header = snet.PairsHeader(headers)
	if authority != "" {
		req.Host = authority
	}

	if req.Header.Get(flowIDHeader) == "" {
		req.Header.Set(flowIDHeader, uuid.NewString())
	}

	if len(trailers) > 0 {
		req.Trailer = snet.PairsHeader(trailers)

		// trailers are only sent with chunked encoding
		req.ContentLength = -1
		if req.Body == nil {
			req.Body = io.NopCloser(bytes.NewReader(nil))
		}
	}

	return req, nil
}
