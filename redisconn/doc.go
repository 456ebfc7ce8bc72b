/*
Package redisconn provides single socket connections to a Redis server.

Conn speaks pipelined request/response: promises are paired to replies in
FIFO order. PubSubConn speaks the subscription dialect: acknowledgements
are paired per channel and messages are emitted as events.

Connections do not reconnect themselves; they emit disconnected and die.
Supervised reconnection lives in the redisclient package.
*/
package redisconn
