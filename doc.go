/*
Package redisward - resilient asynchronous Redis connector with supervised reconnection.

redisward exposes two client personas over the same reconnecting transport:

- redisclient.Client is a request/response client with implicit pipelining:
all requests are written to a single connection and replies are paired to
their completion handles in FIFO order.

- redisclient.PubSubClient is a subscription client: per-channel and
per-pattern listener registries that transparently survive reconnection.

Both personas share a connection-lifecycle supervisor with a bounded retry
budget, a RESP frame codec, and an optional inactivity probe that tears a
silent connection down so the supervisor can replace it.

Structure

- root package is empty

- common functionality (completion handles, events, lifecycle states,
errors) is in the redis subpackage

- the wire codec is in the resp subpackage

- single connections (request/response and pub/sub) are in the redisconn
subpackage

- the supervisor and both clients are in the redisclient subpackage

Every operation returns a *redis.Promise which is resolved exactly once,
either with a decoded reply or with an *errorx.Error. Listeners may be
attached before or after resolution. For synchronous usage wrap a client
with redis.Sync.

Types accepted as command arguments: nil, []byte, string, bool, all integer
types, float32, float64. Results are de-serialized into plain go types:

  redis        | go
  -------------|-------
  plain string | string
  bulk string  | []byte
  integer      | int64
  array        | []interface{}
  error        | error (*errorx.Error)
*/
package redisward
