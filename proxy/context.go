package proxy

import (
	"bytes"
	"io"
	"net/http"

	"github.com/opentracing/opentracing-go"
)

type context struct {
	responseWriter     http.ResponseWriter
	request            *http.Request
	response           *http.Response
	servedWithResponse bool
	stateBag           map[string]interface{}
	tracer             opentracing.Tracer
}

func defaultBody() io.ReadCloser {
	return io.NopCloser(&bytes.Buffer{})
}

func defaultResponse(r *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     make(http.Header),
		Body:       defaultBody(),
		Request:    r,
	}
}

func newContext(w http.ResponseWriter, r *http.Request, tracer opentracing.Tracer) *context {
	return &context{
		responseWriter: w,
		request:        r,
		stateBag:       make(map[string]interface{}),
		tracer:         tracer,
	}
}

func (c *context) ensureDefaultResponse() {
	if c.response == nil {
		c.response = defaultResponse(c.request)
		return
	}

	if c.response.Header == nil {
		c.response.Header = make(http.Header)
	}

	if c.response.Body == nil {
		c.response.Body = defaultBody()
	}
}

func (c *context) shunted() bool {
	return c.servedWithResponse
}

func (c *context) ResponseWriter() http.ResponseWriter { return c.responseWriter }
func (c *context) Request() *http.Request              { return c.request }
func (c *context) Response() *http.Response            { return c.response }
func (c *context) Served() bool                        { return c.servedWithResponse }
func (c *context) StateBag() map[string]interface{}    { return c.stateBag }
func (c *context) Tracer() opentracing.Tracer          { return c.tracer }

func (c *context) Serve(r *http.Response) {
	r.Request = c.Request()

	if r.Header == nil {
		r.Header = make(http.Header)
	}

	if r.Body == nil {
		r.Body = defaultBody()
	}

	c.servedWithResponse = true
	c.response = r
}
