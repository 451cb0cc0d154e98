/*
Package intercept implements the requestCounter filter.

The filter counts every request by the action of its trigger headers,
and executes the action:

	x-fail: <any>        responds 403
	x-redirect: <loc>    responds 302 with Location: <loc>
	x-body: <content>    replaces the body of the backend response
	x-httpbin: <path>    responds with the result of GET <path> on the
	                     configured upstream

When more trigger headers are present, the last one wins, in the order
of the lower-cased header names. Requests without a trigger header are
counted as GenericRequest and forwarded unchanged.

Known limitation: net/http does not keep the order of distinct header
names as received, so the proxy delivers them sorted by name. For a
request carrying both x-redirect and x-fail, x-redirect wins regardless
of which one was sent last on the wire. Only the values of a single
header name keep their arrival order.

The filter takes a single argument, its configuration document:

	requestCounter(`{"channel_name": "request_ct", "headers": {"x-env": "dev"}}`)

The counting service of the configured channel must be registered
before the filter is created.
*/
package intercept

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zalando/reqcount/callout"
	"github.com/zalando/reqcount/counter"
	"github.com/zalando/reqcount/filters"
	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/net"
	"github.com/zalando/reqcount/shared"
)

const (
	bodyStateKey = "filter::requestCounter::body"

	forbiddenBody = "Access forbidden.\n"
	poweredBy     = "proxy-wasm"
)

// Dispatcher executes the outbound calls of the x-httpbin action.
// Implemented by *callout.Dispatcher.
type Dispatcher interface {
	Dispatch(
		ctx context.Context,
		upstream string,
		headers [][2]string,
		body []byte,
		trailers [][2]string,
		timeout time.Duration,
		cb callout.Callback,
	) (callout.Token, error)
}

type Options struct {
	Store      shared.Store
	Queues     shared.Queues
	Dispatcher Dispatcher
	Metrics    metrics.Metrics
	Log        logging.Logger
}

type spec struct {
	options Options
}

type filter struct {
	config     *counter.FilterConfig
	producer   *counter.Producer
	dispatcher Dispatcher
	log        logging.Logger
}

// NewRequestCounter creates the spec of the requestCounter filter.
func NewRequestCounter(o Options) filters.Spec {
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	return &spec{options: o}
}

func (*spec) Name() string { return filters.RequestCounterName }

func (s *spec) CreateFilter(args []interface{}) (filters.Filter, error) {
	if len(args) != 1 {
		return nil, filters.ErrInvalidFilterParameters
	}

	doc, err := filters.DocumentArg(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", filters.ErrInvalidFilterParameters, err)
	}

	c, err := counter.ParseFilterConfig(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", filters.ErrInvalidFilterParameters, err)
	}

	p, err := counter.NewProducer(counter.ProducerOptions{
		Store:       s.options.Store,
		Queues:      s.options.Queues,
		VMID:        c.VMID,
		ChannelName: c.ChannelName,
		Namespace:   c.Namespace,
		Metrics:     s.options.Metrics,
		Log:         s.options.Log,
	})
	if err != nil {
		return nil, err
	}

	return &filter{
		config:     c,
		producer:   p,
		dispatcher: s.options.Dispatcher,
		log:        s.options.Log,
	}, nil
}

func (f *filter) Request(ctx filters.FilterContext) {
	req := ctx.Request()
	for k, v := range f.config.Headers {
		req.Header.Set(k, v)
	}

	headers := net.HeaderPairs(req.Header)
	for _, h := range headers {
		f.log.Debugf("> %s: %s", h[0], h[1])
	}

	a, ok := counter.Classify(headers)
	if n, err := f.producer.Bump(req.Context(), a, ok); err != nil {
		f.log.Errorf("Failed to count request: %v", err)
	} else {
		f.log.Infof("REQUEST CT VALUE for %s: %d", f.producer.Key(a, ok), n)
	}

	if !ok {
		return
	}

	switch a.Kind {
	case counter.Fail:
		ctx.Serve(textResponse(http.StatusForbidden, forbiddenBody, http.Header{"Powered-By": []string{poweredBy}}))
	case counter.Redirect:
		ctx.Serve(&http.Response{
			StatusCode: http.StatusFound,
			Header:     http.Header{"Location": []string{a.Value}},
			Body:       http.NoBody,
		})
	case counter.Body:
		ctx.StateBag()[bodyStateKey] = a.Value
	case counter.ProxyPath:
		ctx.Serve(f.proxyPath(req.Context(), a.Value))
	}
}

// proxyPath blocks until the call to the upstream completes. The
// dispatcher guarantees the callback, at the latest when the timeout
// expires.
func (f *filter) proxyPath(ctx context.Context, path string) *http.Response {
	if f.dispatcher == nil {
		f.log.Errorf("Failed to call %s: no dispatcher", f.config.Upstream)
		return textResponse(http.StatusInternalServerError, "", nil)
	}

	type result struct {
		rsp *callout.Response
		err error
	}

	done := make(chan result, 1)
	_, err := f.dispatcher.Dispatch(
		ctx,
		f.config.Upstream,
		[][2]string{
			{":method", "GET"},
			{":path", path},
			{":authority", f.config.Authority},
		},
		nil,
		nil,
		f.config.Timeout,
		func(_ callout.Token, rsp *callout.Response, err error) {
			done <- result{rsp: rsp, err: err}
		},
	)
	if err != nil {
		f.log.Errorf("Failed to dispatch call to %s: %v", f.config.Upstream, err)
		return textResponse(http.StatusInternalServerError, "", nil)
	}

	r := <-done
	if r.err != nil {
		f.log.Errorf("Call to %s failed: %v", f.config.Upstream, r.err)
		return textResponse(http.StatusInternalServerError, "", nil)
	}

	for _, h := range r.rsp.Headers {
		f.log.Debugf("- %s: %s", h[0], h[1])
	}

	h := net.PairsHeader(r.rsp.Headers)
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(r.rsp.Body)),
		ContentLength: int64(len(r.rsp.Body)),
	}
}

func (f *filter) Response(ctx filters.FilterContext) {
	rsp := ctx.Response()
	if rsp == nil {
		return
	}

	if rsp.Header == nil {
		rsp.Header = make(http.Header)
	}

	if b, ok := ctx.StateBag()[bodyStateKey].(string); ok {
		rsp.Header.Del("Content-Length")
		rsp.Header.Set("Content-Type", "text/plain")
		if rsp.Body != nil {
			rsp.Body.Close()
		}

		rsp.Body = io.NopCloser(strings.NewReader(b))
		rsp.ContentLength = -1
	}

	for _, h := range net.HeaderPairs(rsp.Header) {
		f.log.Debugf("< %s: %s", h[0], h[1])
	}
}

func textResponse(code int, body string, h http.Header) *http.Response {
	if h == nil {
		h = make(http.Header)
	}

	return &http.Response{
		StatusCode:    code,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
