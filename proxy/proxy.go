package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/zalando/reqcount/filters"
	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/net"
)

const (
	proxyBufferSize = 8192

	// DefaultTimeout of the backend connections.
	DefaultTimeout = 30 * time.Second

	ingressSpanName = "ingress"
	proxySpanName   = "proxy"

	statusClientClosedRequest = 499
)

var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Options to create a Proxy.
type Options struct {
	// Backend is the URL of the service behind the proxy.
	Backend string

	// Filters are applied in the listed order to the requests, and
	// in reverse order to the responses.
	Filters []filters.Filter

	// PreserveHost sends the Host header of the incoming request to
	// the backend, instead of the host of the backend URL.
	PreserveHost bool

	// Transport forwards the requests. When not set, a traced
	// net.Transport is used.
	Transport http.RoundTripper

	// Timeout used for the default transport, defaults to
	// DefaultTimeout.
	Timeout time.Duration

	Tracer  ot.Tracer
	Metrics metrics.Metrics
	Log     logging.Logger
}

// Proxy is an http.Handler that runs the filters and forwards the
// requests to the backend.
type Proxy struct {
	backend      *url.URL
	filters      []filters.Filter
	preserveHost bool
	transport    http.RoundTripper
	tracer       ot.Tracer
	metrics      metrics.Metrics
	log          logging.Logger
	quit         chan struct{}
}

func New(o Options) (*Proxy, error) {
	u, err := url.Parse(o.Backend)
	if err != nil {
		return nil, fmt.Errorf("invalid backend: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend: %s", o.Backend)
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Tracer == nil {
		o.Tracer = &ot.NoopTracer{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	quit := make(chan struct{})
	if o.Transport == nil {
		o.Transport = net.WithSpanName(net.NewTransport(net.Options{
			Timeout:             o.Timeout,
			MaxIdleConnsPerHost: 64,
			Tracer:              o.Tracer,
		}, quit), proxySpanName)
	}

	return &Proxy{
		backend:      u,
		filters:      o.Filters,
		preserveHost: o.PreserveHost,
		transport:    o.Transport,
		tracer:       o.Tracer,
		metrics:      o.Metrics,
		log:          o.Log,
		quit:         quit,
	}, nil
}

func copyHeaderExcluding(to, from http.Header, excludeHeaders map[string]bool) {
	for k, v := range from {
		// The http package converts header names to their canonical version.
		// Meaning that the lookup below will be done using the canonical version of the header.
		if _, ok := excludeHeaders[k]; !ok {
			to[http.CanonicalHeaderKey(k)] = v
		}
	}
}

func cloneHeaderExcluding(h http.Header, excludeList map[string]bool) http.Header {
	hh := make(http.Header)
	copyHeaderExcluding(hh, h, excludeList)
	return hh
}

// copies a stream with flushing on every successful read operation
// (similar to io.Copy but with flushing)
func copyStream(to io.Writer, rc *http.ResponseController, from io.Reader) error {
	b := make([]byte, proxyBufferSize)

	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if l > 0 {
			_, werr := to.Write(b[:l])
			if werr != nil {
				return werr
			}

			_ = rc.Flush()
		}

		if rerr == io.EOF {
			return nil
		}
	}
}

// creates an outgoing http request to be forwarded to the backend
// based on the augmented incoming request
func (p *Proxy) mapRequest(r *http.Request) (*http.Request, error) {
	u := *r.URL
	u.Scheme = p.backend.Scheme
	u.Host = p.backend.Host
	if p.backend.Path != "" && p.backend.Path != "/" {
		u.Path = strings.TrimSuffix(p.backend.Path, "/") + r.URL.Path
		u.RawPath = ""
	}

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}

	rr, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	rr.ContentLength = r.ContentLength
	rr.Header = cloneHeaderExcluding(r.Header, hopHeaders)
	if p.preserveHost {
		rr.Host = r.Host
	} else {
		rr.Host = p.backend.Host
	}

	return rr, nil
}

func tryCatch(p func(), onErr func(err interface{}, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			s := make([]byte, 1024)
			s = s[:runtime.Stack(s, false)]
			onErr(err, string(s))
		}
	}()

	p()
}

// applies filters to a request, returns the filters that were
// applied
func (p *Proxy) applyFiltersToRequest(ctx *context) []filters.Filter {
	applied := make([]filters.Filter, 0, len(p.filters))
	for i, fi := range p.filters {
		tryCatch(func() {
			fi.Request(ctx)
		}, func(err interface{}, stack string) {
			p.metrics.IncCounter(metrics.KeyProxyFilterPanics)
			p.log.Errorf("error while processing filter %d during request: %v (%s)", i, err, stack)
		})

		applied = append(applied, fi)
		if ctx.shunted() {
			break
		}
	}

	return applied
}

// applies filters to a response in reverse order
func (p *Proxy) applyFiltersToResponse(applied []filters.Filter, ctx *context) {
	last := len(applied) - 1
	for i := range applied {
		fi := applied[last-i]
		tryCatch(func() {
			fi.Response(ctx)
		}, func(err interface{}, stack string) {
			p.metrics.IncCounter(metrics.KeyProxyFilterPanics)
			p.log.Errorf("error while processing filter %d during response: %v (%s)", last-i, err, stack)
		})
	}
}

// send a premature error response
func (p *Proxy) sendError(c *context, code int) {
	http.Error(c.responseWriter, http.StatusText(code), code)
}

func (p *Proxy) makeBackendRequest(ctx *context) (*http.Response, error) {
	req, err := p.mapRequest(ctx.request)
	if err != nil {
		return nil, fmt.Errorf("could not map backend request: %w", err)
	}

	rsp, err := p.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	return rsp, nil
}

func (p *Proxy) serveResponse(ctx *context) {
	rsp := ctx.response
	h := ctx.responseWriter.Header()
	copyHeaderExcluding(h, rsp.Header, hopHeaders)
	if rsp.ContentLength > 0 && h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.FormatInt(rsp.ContentLength, 10))
	}

	if err := ctx.request.Context().Err(); err != nil {
		p.log.Infof("Client request: %v", err)
		rsp.StatusCode = statusClientClosedRequest
	}

	rc := http.NewResponseController(ctx.responseWriter)
	ctx.responseWriter.WriteHeader(rsp.StatusCode)
	_ = rc.Flush()

	if err := copyStream(ctx.responseWriter, rc, rsp.Body); err != nil {
		p.log.Errorf("error while copying the response stream: %v", err)
	}
}

// http.Handler implementation
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var span ot.Span
	wireContext, err := p.tracer.Extract(ot.HTTPHeaders, ot.HTTPHeadersCarrier(r.Header))
	if err == nil {
		span = p.tracer.StartSpan(ingressSpanName, ext.RPCServerOption(wireContext))
	} else {
		span = p.tracer.StartSpan(ingressSpanName)
		ext.SpanKindRPCServer.Set(span)
	}
	defer span.Finish()

	ext.HTTPMethod.Set(span, r.Method)
	ext.HTTPUrl.Set(span, r.URL.String())
	r = r.WithContext(ot.ContextWithSpan(r.Context(), span))

	ctx := newContext(w, r, p.tracer)
	defer func() {
		if ctx.response != nil && ctx.response.Body != nil {
			if err := ctx.response.Body.Close(); err != nil {
				p.log.Errorf("error during closing the response body: %v", err)
			}
		}
	}()

	applied := p.applyFiltersToRequest(ctx)
	if !ctx.shunted() {
		rsp, err := p.makeBackendRequest(ctx)
		if err != nil {
			ext.Error.Set(span, true)
			p.metrics.IncCounter(metrics.KeyProxyBackendErrors)

			code := http.StatusBadGateway
			if r.Context().Err() != nil {
				code = statusClientClosedRequest
			}

			p.log.Errorf("Failed to forward request to %s: %v", p.backend.Host, err)
			p.sendError(ctx, code)
			return
		}

		ctx.response = rsp
	}

	ctx.ensureDefaultResponse()
	p.applyFiltersToResponse(applied, ctx)
	ctx.ensureDefaultResponse()

	p.serveResponse(ctx)
	ext.HTTPStatusCode.Set(span, uint16(ctx.response.StatusCode))
	p.metrics.MeasureSince(metrics.KeyProxyServe, start)
}

// Close stops closing the idle connections of the default transport.
func (p *Proxy) Close() error {
	close(p.quit)
	return nil
}
