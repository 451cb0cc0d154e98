/*
Package filters contains the interfaces of the request filters and the
registry of their specifications.

A Spec creates Filter instances from the arguments of a filter
configuration. The proxy calls the Request method of every filter of a
chain before forwarding the request, and the Response method, in reverse
order, after the response was received. A filter that serves the
response itself stops the chain: the backend is not called, and only the
Response methods of the filters that already ran are called.

Filter instances are shared by all the requests going through the
chain. Per request state must be stored in the StateBag of the
FilterContext.
*/
package filters

import (
	"errors"
	"net/http"

	"github.com/opentracing/opentracing-go"
)

// ErrInvalidFilterParameters is returned by CreateFilter when the
// arguments are not valid for the filter.
var ErrInvalidFilterParameters = errors.New("invalid filter parameters")

// FilterContext provides the request and response to the filters.
type FilterContext interface {
	// ResponseWriter of the original incoming request.
	ResponseWriter() http.ResponseWriter

	// Request to be forwarded. Filters may modify it.
	Request() *http.Request

	// Response received from the backend, or served by a filter. It
	// is nil during the request phase.
	Response() *http.Response

	// Served tells whether a filter served the response.
	Served() bool

	// Serve sets the response and stops the request phase. The
	// response phase runs on it like on a backend response.
	Serve(*http.Response)

	// StateBag stores the state of a single request, shared by the
	// filters of the chain.
	StateBag() map[string]interface{}

	// Tracer of the proxy.
	Tracer() opentracing.Tracer
}

// Filter is created by a Spec. Implementations must be safe for
// concurrent use.
type Filter interface {
	Request(FilterContext)
	Response(FilterContext)
}

// FilterCloser is implemented by filters that hold resources.
type FilterCloser interface {
	Filter
	Close() error
}

// Spec creates filters of one kind.
type Spec interface {
	// Name identifies the filter in the configuration.
	Name() string

	// CreateFilter validates the arguments and creates a filter. It
	// returns ErrInvalidFilterParameters for invalid arguments.
	CreateFilter(config []interface{}) (Filter, error)
}

// Registry maps filter names to specifications.
type Registry map[string]Spec

// Register adds a spec, replacing the spec registered with the same
// name.
func (r Registry) Register(s Spec) {
	r[s.Name()] = s
}

// Create looks up the spec and creates a filter with the arguments.
func (r Registry) Create(name string, args ...interface{}) (Filter, error) {
	s, ok := r[name]
	if !ok {
		return nil, &UnknownFilterError{Name: name}
	}

	return s.CreateFilter(args)
}

// UnknownFilterError is returned for names without a registered spec.
type UnknownFilterError struct {
	Name string
}

func (e *UnknownFilterError) Error() string {
	return "unknown filter: " + e.Name
}

// Filter names.
const (
	RequestCounterName = "requestCounter"
)
