package redisconn

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/redisward/redis"
	"github.com/joomcode/redisward/resp"
)

// InternalPingChannel is the reserved channel the inactivity probe
// subscribes to and immediately unsubscribes from: a pub/sub connection
// can not process a plain PING.
const InternalPingChannel = "__internal-ping"

// PubSubConn is the same transport as Conn with a different dispatch.
//
// It accepts only subscribe, unsubscribe, psubscribe and punsubscribe,
// each for exactly one channel or pattern, plus AUTH (see Send). Redis
// acknowledges the subscription
// commands once per channel, so pending promises are kept in per-name
// FIFO queues rather than one global one. Inbound message / pmessage
// frames are emitted as events and pair with no promise at all.
type PubSubConn struct {
	addr string
	opts Opts
	bus  *redis.Bus

	mu      sync.Mutex
	c       net.Conn
	acks    map[string][]*redis.Promise
	replies []*redis.Promise // AUTH replies only; they are not ack arrays
	closed  bool

	lastRead  int64 // unixnano, atomic
	closeOnce sync.Once
	done      chan struct{}
}

// ConnectPubSub dials addr and starts the frame dispatcher.
func ConnectPubSub(addr string, opts Opts) (*PubSubConn, error) {
	opts.setDefaults()
	c, err := dial(addr, opts)
	if err != nil {
		opts.Logger.Report(LogConnectFailed, addr, err)
		return nil, redis.ErrConnectFailed.WrapWithNoMessage(err).WithProperty(redis.EKAddress, addr)
	}
	conn := &PubSubConn{
		addr: addr,
		opts: opts,
		bus:  redis.NewBus(),
		c:    c,
		acks: make(map[string][]*redis.Promise),
		done: make(chan struct{}),
	}
	conn.touch()
	go conn.reader(bufio.NewReader(c))
	if opts.InactivityTrigger > 0 && opts.InactivityTimeout > 0 {
		go probeLoop(opts.InactivityTrigger, opts.InactivityTimeout, conn.sinceLastRead, conn.probe, conn.probeTimeout, conn.done)
	}
	conn.opts.Logger.Report(LogConnected, addr, c.LocalAddr().String(), c.RemoteAddr().String())
	conn.bus.Emit(redis.EventConnected)
	return conn, nil
}

// Addr is the address this connection was dialed to.
func (conn *PubSubConn) Addr() string {
	return conn.addr
}

// Events is the bus message / pmessage / (p)(un)subscribe and lifecycle
// events are emitted on.
func (conn *PubSubConn) Events() *redis.Bus {
	return conn.bus
}

// Send issues one of the four subscription verbs for a single channel or
// pattern. The promise resolves with the server-reported subscription
// count when the per-channel acknowledgement arrives. AUTH is the one
// extra verb allowed, since the server demands it on pub/sub connections
// too; its reply is paired separately because it is not an ack array.
func (conn *PubSubConn) Send(p *redis.Promise, cmd string, args ...interface{}) {
	verb := strings.ToLower(cmd)
	switch verb {
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe", "auth":
	default:
		p.Fail(redis.ErrInvalidArgument.New("verb %q is not valid on a pub/sub connection", cmd))
		return
	}
	if len(args) != 1 {
		p.Fail(redis.ErrInvalidArgument.New("%s takes exactly one argument, got %d", verb, len(args)))
		return
	}
	name, ok := argToString(args[0])
	if !ok {
		p.Fail(redis.ErrInvalidArgument.New("%s argument must be a string, got %T", verb, args[0]))
		return
	}

	buf, err := resp.AppendRequest(nil, redis.Req(verb, name))
	if err != nil {
		p.Fail(err)
		return
	}
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		p.Fail(redis.ErrNotConnected.New("connection is closed").WithProperty(redis.EKAddress, conn.addr))
		return
	}
	if verb == "auth" {
		conn.replies = append(conn.replies, p)
	} else {
		conn.acks[name] = append(conn.acks[name], p)
	}
	if conn.opts.IOTimeout > 0 {
		conn.c.SetWriteDeadline(time.Now().Add(conn.opts.IOTimeout))
	}
	_, werr := conn.c.Write(buf)
	conn.mu.Unlock()
	if werr != nil {
		conn.shutdown(redis.ErrIO.WrapWithNoMessage(werr).WithProperty(redis.EKAddress, conn.addr))
	}
}

// Call is Send with a fresh promise.
func (conn *PubSubConn) Call(cmd string, args ...interface{}) *redis.Promise {
	p := redis.NewPromise()
	conn.Send(p, cmd, args...)
	return p
}

// Alive reports whether the connection has not been torn down yet.
func (conn *PubSubConn) Alive() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return !conn.closed
}

// Close tears the connection down. Pending acknowledgement promises fail
// with a connection-lost error, then disconnected is emitted.
func (conn *PubSubConn) Close() {
	conn.shutdown(redis.ErrConnectionLost.New("connection closed").WithProperty(redis.EKAddress, conn.addr))
}

func (conn *PubSubConn) touch() {
	atomic.StoreInt64(&conn.lastRead, time.Now().UnixNano())
}

func (conn *PubSubConn) sinceLastRead() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&conn.lastRead)))
}

func (conn *PubSubConn) probe() {
	conn.Send(redis.NewPromise(), "subscribe", InternalPingChannel)
	conn.Send(redis.NewPromise(), "unsubscribe", InternalPingChannel)
}

func (conn *PubSubConn) probeTimeout() {
	conn.opts.Logger.Report(LogProbeTimeout, conn.addr)
	conn.shutdown(redis.ErrIO.New("inactivity probe timed out").WithProperty(redis.EKAddress, conn.addr))
}

func (conn *PubSubConn) reader(r *bufio.Reader) {
	for {
		res := resp.Read(r)
		rerr := redis.AsErrorx(res)
		if redis.HardError(rerr) {
			conn.shutdown(rerr)
			return
		}
		conn.touch()
		if _, isArray := res.([]interface{}); !isArray {
			// Plain replies pair only with an outstanding AUTH.
			if p := conn.popReply(); p != nil {
				if rerr != nil {
					p.Fail(rerr)
				} else {
					p.Succeed(res)
				}
				continue
			}
			conn.bus.Emit(redis.EventOutOfSync)
			conn.shutdown(redis.ErrOutOfSync.New("unpaired plain reply on pub/sub connection").WithProperty(redis.EKAddress, conn.addr))
			return
		}
		if !conn.dispatch(res) {
			conn.bus.Emit(redis.EventOutOfSync)
			conn.shutdown(redis.ErrOutOfSync.New("unexpected frame on pub/sub connection").WithProperty(redis.EKAddress, conn.addr))
			return
		}
	}
}

func (conn *PubSubConn) dispatch(res interface{}) bool {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return false
	}
	kind, ok := argToString(arr[0])
	if !ok {
		return false
	}
	switch kind {
	case "message":
		channel, ok := argToString(arr[1])
		payload, pok := arr[2].([]byte)
		if !ok || !pok {
			return false
		}
		conn.bus.Emit(redis.EventMessage, channel, payload)
	case "pmessage":
		if len(arr) != 4 {
			return false
		}
		pattern, pok := argToString(arr[1])
		channel, cok := argToString(arr[2])
		payload, bok := arr[3].([]byte)
		if !pok || !cok || !bok {
			return false
		}
		conn.bus.Emit(redis.EventPMessage, pattern, channel, payload)
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		name, nok := argToString(arr[1])
		count, cok := arr[2].(int64)
		if !nok || !cok {
			return false
		}
		conn.resolveAck(name, count)
		conn.bus.Emit(kind, name, count)
	default:
		return false
	}
	return true
}

func (conn *PubSubConn) popReply() *redis.Promise {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.replies) == 0 {
		return nil
	}
	p := conn.replies[0]
	conn.replies = conn.replies[1:]
	return p
}

func (conn *PubSubConn) resolveAck(name string, count int64) {
	conn.mu.Lock()
	pending := conn.acks[name]
	var p *redis.Promise
	if len(pending) > 0 {
		p = pending[0]
		if len(pending) == 1 {
			delete(conn.acks, name)
		} else {
			conn.acks[name] = pending[1:]
		}
	}
	conn.mu.Unlock()
	if p != nil {
		p.Succeed(count)
	}
}

func (conn *PubSubConn) shutdown(cause error) {
	conn.closeOnce.Do(func() {
		conn.mu.Lock()
		conn.closed = true
		conn.c.Close()
		acks := conn.acks
		conn.acks = make(map[string][]*redis.Promise)
		replies := conn.replies
		conn.replies = nil
		conn.mu.Unlock()
		close(conn.done)

		lost := redis.ErrConnectionLost.WrapWithNoMessage(cause).WithProperty(redis.EKAddress, conn.addr)
		for _, pending := range acks {
			for _, p := range pending {
				p.Fail(lost)
			}
		}
		for _, p := range replies {
			p.Fail(lost)
		}
		conn.opts.Logger.Report(LogDisconnected, conn.addr, cause)
		conn.bus.Emit(redis.EventDisconnected, cause)
	})
}

func argToString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
