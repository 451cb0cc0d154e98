/*
Package metrics implements collection of the counting pipeline metrics.

The producer, the counter updater, the counting service and the outbound
call dispatcher report through the Metrics interface. The default
backend is a no-op; with NewPrometheus the values are collected by the
Prometheus client library:

https://github.com/prometheus/client_golang

To expose the collected metrics, register the handler on the support
listener's mux:

	m := metrics.NewPrometheus(metrics.Options{})
	mux := http.NewServeMux()
	m.RegisterHandler("/metrics", mux)

For the keys used for the different metrics, see the Key* constants.
*/
package metrics
