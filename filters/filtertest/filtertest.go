// Package filtertest implements mock versions of the Filter, Spec and
// FilterContext interfaces used during tests.
package filtertest

import (
	"net/http"

	"github.com/opentracing/opentracing-go"

	"github.com/zalando/reqcount/filters"
)

// Noop filter, used to verify the filter name and the args in the
// configuration.
type Filter struct {
	FilterName string
	Args       []interface{}
}

// Context is a simple FilterContext implementation.
type Context struct {
	FResponseWriter http.ResponseWriter
	FRequest        *http.Request
	FResponse       *http.Response
	FServed         bool
	FStateBag       map[string]interface{}
	FTracer         opentracing.Tracer
}

func (spec *Filter) Name() string                    { return spec.FilterName }
func (f *Filter) Request(ctx filters.FilterContext)  {}
func (f *Filter) Response(ctx filters.FilterContext) {}

func (spec *Filter) CreateFilter(config []interface{}) (filters.Filter, error) {
	return &Filter{FilterName: spec.FilterName, Args: config}, nil
}

func (fc *Context) ResponseWriter() http.ResponseWriter { return fc.FResponseWriter }
func (fc *Context) Request() *http.Request              { return fc.FRequest }
func (fc *Context) Response() *http.Response            { return fc.FResponse }
func (fc *Context) Served() bool                        { return fc.FServed }

func (fc *Context) Serve(rsp *http.Response) {
	fc.FServed = true
	fc.FResponse = rsp
}

func (fc *Context) StateBag() map[string]interface{} {
	if fc.FStateBag == nil {
		fc.FStateBag = make(map[string]interface{})
	}
	return fc.FStateBag
}

func (fc *Context) Tracer() opentracing.Tracer {
	if fc.FTracer == nil {
		return &opentracing.NoopTracer{}
	}
	return fc.FTracer
}
