/*
Package counter implements the request counting pipeline.

Every request observed by the intercepting filter is classified by its
trigger headers into an Action. The Producer derives the counter key of
the Action and enqueues a RequestEvent on a shared queue. The Service
consumes the queue, one message per readiness notification, and the
Updater increments the counter of the key in the shared store with a
compare-and-swap that is retried on conflict.

Keys have the form "<namespace>.<scope>", for example

	envoy.playground.request_ct.Do.Redirect
	envoy.playground.request_ct.GenericRequest

The scope is the kind of the action, never its payload: all redirects
are counted together, whatever their location.

Stored values and queue messages are JSON documents:

	{"request_count": 7}
	{"request_key": "envoy.playground.request_ct.Do.Fail"}
*/
package counter
