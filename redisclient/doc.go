/*
Package redisclient provides the two public client personas over a
supervised reconnecting connection.

Client is the request/response persona: a single Call dispatch for every
Redis verb, a FIFO command queue that buffers across reconnects, and
automatic AUTH/SELECT on every fresh connection.

PubSubClient is the subscription persona: per-channel and per-pattern
listener registries that are resubscribed transparently after a
reconnect.

Both are built on Supervisor, which owns at most one live connection and
drives the lifecycle state machine with a bounded retry budget: four
consecutive failed attempts park it in the failed state until Reconnect
is called. Lifecycle events (connected, reconnected, disconnected,
reconnect_failed, failed) are emitted on each client's Events bus.
*/
package redisclient
