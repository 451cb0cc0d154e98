/*
Package reqcount provides an HTTP proxy that counts the requests by the
action requested in their headers, across any number of proxy
instances.

The proxy runs a single filter, requestCounter, on every request. The
filter inspects the request headers, acts on them, and enqueues a
counting event on a shared queue. The counting service consumes the
queue and increments the counter of the event in a shared store, using
compare-and-swap updates, so that concurrent instances never lose an
increment.

# Actions

The filter recognizes the following request headers. When more of them
are present, the last one wins, in the order of the lower-cased header
names:

	x-fail: <any>        responds 403 Forbidden
	x-redirect: <loc>    responds 302 Found with the location
	x-body: <content>    replaces the body of the backend response
	x-httpbin: <path>    responds with GET <path> of the httpbin upstream

Requests without these headers are forwarded unchanged.

# Counters

The counters are stored as JSON documents under keys like:

	envoy.playground.request_ct.GenericRequest
	envoy.playground.request_ct.Do.Fail
	envoy.playground.request_ct.Do.Redirect
	envoy.playground.request_ct.Do.Body
	envoy.playground.request_ct.Do.Httpbin

The prefix of the keys is the namespace in the filter configuration.

# Shared Backends

The counters and the queues are kept in memory, which limits counting to
a single process, or in redis or valkey, shared by all the instances
configured with the same servers. See the shared package.

# Configuration

The command, cmd/reqcount, is configured by flags or by a YAML file. The
filter and the counting service take JSON or YAML documents:

	filter.json:
	{"channel_name": "request_ct", "headers": {"x-env": "dev"}, "timeout": "5s"}

	service.json:
	{"channel_name": "request_ct", "dead_letter_channel": "request_ct_failed"}

The counting service registers its queue before the filter is created.
A filter configured with a channel that no service consumes fails to
start.
*/
package reqcount
