/*
Package net provides the network clients of the process: the traced
HTTP transport used for outbound calls and backend forwarding, and the
Redis and Valkey ring clients backing the shared store and queues.
*/
package net
