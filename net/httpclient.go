package net

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

const (
	tracingTagURL = "http.url"
)

// Options are mostly passed to the http.Transport of the same
// name. Options.Timeout can be used as default for all timeouts, that
// are not set. You can pass an opentracing.Tracer, which can be nil to
// get the opentracing.NoopTracer.
type Options struct {
	// DisableKeepAlives see https://golang.org/pkg/net/http/#Transport.DisableKeepAlives
	DisableKeepAlives bool
	// DisableCompression see https://golang.org/pkg/net/http/#Transport.DisableCompression
	DisableCompression bool
	// MaxIdleConns see https://golang.org/pkg/net/http/#Transport.MaxIdleConns
	MaxIdleConns int
	// MaxIdleConnsPerHost see https://golang.org/pkg/net/http/#Transport.MaxIdleConnsPerHost
	MaxIdleConnsPerHost int
	// MaxConnsPerHost see https://golang.org/pkg/net/http/#Transport.MaxConnsPerHost
	MaxConnsPerHost int
	// Timeout sets all Timeouts, that are set to 0 to the given
	// value. Basically it's the default timeout value.
	Timeout time.Duration
	// TLSHandshakeTimeout, if not set or set to 0, its using Options.Timeout.
	TLSHandshakeTimeout time.Duration
	// IdleConnTimeout, if not set or set to 0, its using Options.Timeout.
	IdleConnTimeout time.Duration
	// ResponseHeaderTimeout, if not set or set to 0, its using Options.Timeout.
	ResponseHeaderTimeout time.Duration
	// Tracer
	Tracer opentracing.Tracer
}

// Transport is an http.RoundTripper that closes idle connections
// periodically and traces the requests it sends.
type Transport struct {
	tr       *http.Transport
	tracer   opentracing.Tracer
	spanName string
}

func NewTransport(options Options, quit <-chan struct{}) *Transport {
	if options.Tracer == nil {
		options.Tracer = &opentracing.NoopTracer{}
	}

	if options.TLSHandshakeTimeout == 0 {
		options.TLSHandshakeTimeout = options.Timeout
	}
	if options.IdleConnTimeout == 0 {
		options.IdleConnTimeout = options.Timeout
	}
	if options.ResponseHeaderTimeout == 0 {
		options.ResponseHeaderTimeout = options.Timeout
	}

	htransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DisableKeepAlives:     options.DisableKeepAlives,
		DisableCompression:    options.DisableCompression,
		MaxIdleConns:          options.MaxIdleConns,
		MaxIdleConnsPerHost:   options.MaxIdleConnsPerHost,
		MaxConnsPerHost:       options.MaxConnsPerHost,
		ResponseHeaderTimeout: options.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   options.TLSHandshakeTimeout,
		IdleConnTimeout:       options.IdleConnTimeout,
	}

	if options.IdleConnTimeout > 0 {
		go func() {
			ticker := time.NewTicker(options.IdleConnTimeout)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					htransport.CloseIdleConnections()
				case <-quit:
					htransport.CloseIdleConnections()
					return
				}
			}
		}()
	}

	return &Transport{
		tr:     htransport,
		tracer: options.Tracer,
	}
}

// WithSpanName returns a copy of t that traces every RoundTrip with the
// given span name.
func WithSpanName(t *Transport, spanName string) *Transport {
	tt := *t
	tt.spanName = spanName
	return &tt
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.spanName == "" {
		return t.tr.RoundTrip(req)
	}
	return t.Do(req, t.spanName)
}

// Do executes the http request roundtrip in a span that is a child of
// the span found in the request context, if any.
func (t *Transport) Do(req *http.Request, spanName string) (*http.Response, error) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(req.Context()); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}

	span := t.tracer.StartSpan(spanName, opts...)
	defer span.Finish()

	ext.SpanKindRPCClient.Set(span)
	span.SetTag(tracingTagURL, req.URL.String())

	req = req.Clone(opentracing.ContextWithSpan(req.Context(), span))
	_ = t.tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	req = injectClientTrace(req, span)

	span.LogKV("http_do", "start")
	rsp, err := t.tr.RoundTrip(req)
	span.LogKV("http_do", "stop")

	if err != nil {
		ext.Error.Set(span, true)
		return nil, err
	}

	ext.HTTPStatusCode.Set(span, uint16(rsp.StatusCode))
	return rsp, nil
}

func injectClientTrace(req *http.Request, span opentracing.Span) *http.Request {
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			span.LogKV("DNS", "start")
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			span.LogKV("DNS", "end")
		},
		ConnectStart: func(string, string) {
			span.LogKV("connect", "start")
		},
		ConnectDone: func(string, string, error) {
			span.LogKV("connect", "end")
		},
		TLSHandshakeStart: func() {
			span.LogKV("TLS", "start")
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			span.LogKV("TLS", "end")
		},
		GetConn: func(string) {
			span.LogKV("get_conn", "start")
		},
		GotConn: func(httptrace.GotConnInfo) {
			span.LogKV("get_conn", "end")
		},
	}
	return req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
}
