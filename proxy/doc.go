/*
Package proxy implements the HTTP proxy that hosts the filter chain.

# Proxy Mechanism

1. request filters:

The request handling method of all filters is executed in the order
they are configured. The filters share a context object, that provides
the incoming request, the outgoing response writer and a state bag for
the state of the request. When a filter serves the response, the
remaining request filters are skipped, and the backend is not called.

2. forwarding:

Unless a filter served the response, the request is forwarded to the
backend. The hop-by-hop headers are removed. When the backend cannot be
reached, the proxy responds with 502 Bad Gateway, without running the
response filters.

3. response filters:

The response handling method of the filters that handled the request is
executed in reverse order. Filters may replace the status, the headers
and the body of the response.

4. streaming:

The response is streamed to the client, flushing after every read from
the body. When the length of the final response is unknown, the
response is sent with chunked encoding.

Panics of the filters are recovered and logged. The request processing
continues with the next filter.
*/
package proxy
