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

const (
	defaultDialTimeout = 1 * time.Second
	defaultIOTimeout   = 1 * time.Second
	defaultKeepAlive   = 300 * time.Millisecond
)

// Opts are knobs for a single connection.
type Opts struct {
	// DialTimeout is timeout for net.Dialer.
	// If not set, 1 second is used.
	DialTimeout time.Duration
	// IOTimeout is the deadline for a single socket write.
	// If IOTimeout == 0, it is set to 1 second.
	// If IOTimeout < 0, the deadline is disabled.
	IOTimeout time.Duration
	// TCPKeepAlive - KeepAlive parameter for net.Dialer.
	TCPKeepAlive time.Duration
	// InactivityTrigger - seconds of wall-clock silence on the inbound
	// side after which a probe command is issued. Zero disables the probe.
	InactivityTrigger time.Duration
	// InactivityTimeout - additional silence after the probe before the
	// socket is forcibly closed. Zero disables the probe.
	InactivityTimeout time.Duration
	// Logger is a hook for lifecycle reporting. Defaults to logrus.
	Logger Logger
	// Handle is returned with Conn.Handle().
	Handle interface{}
}

func (opts *Opts) setDefaults() {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IOTimeout == 0 {
		opts.IOTimeout = defaultIOTimeout
	} else if opts.IOTimeout < 0 {
		opts.IOTimeout = 0
	}
	if opts.TCPKeepAlive == 0 {
		opts.TCPKeepAlive = defaultKeepAlive
	} else if opts.TCPKeepAlive < 0 {
		opts.TCPKeepAlive = 0
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
}

// Conn is one TCP session speaking pipelined request/response.
//
// Every sent command enqueues its promise on a FIFO reply queue before the
// bytes leave the socket; every inbound reply resolves the queue head. A
// reply arriving with an empty queue is fatal: the connection emits
// replies_out_of_sync and closes. On any close, every queued promise fails
// with a connection-lost error before disconnected is emitted.
type Conn struct {
	addr string
	opts Opts
	bus  *redis.Bus

	mu     sync.Mutex
	c      net.Conn
	queue  []*redis.Promise
	closed bool

	lastRead  int64 // unixnano, atomic
	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials addr and starts the reply reader. The handshake is the
// TCP one only; AUTH and SELECT are ordinary commands for the caller.
func Connect(addr string, opts Opts) (*Conn, error) {
	opts.setDefaults()
	c, err := dial(addr, opts)
	if err != nil {
		opts.Logger.Report(LogConnectFailed, addr, err)
		return nil, redis.ErrConnectFailed.WrapWithNoMessage(err).WithProperty(redis.EKAddress, addr)
	}
	conn := &Conn{
		addr: addr,
		opts: opts,
		bus:  redis.NewBus(),
		c:    c,
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

func dial(addr string, opts Opts) (net.Conn, error) {
	network := "tcp"
	address := addr
	switch {
	case strings.HasPrefix(address, "unix://"):
		network, address = "unix", address[7:]
	case strings.HasPrefix(address, "tcp://"):
		address = address[6:]
	case len(address) > 0 && (address[0] == '.' || address[0] == '/'):
		network = "unix"
	}
	dialer := net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.TCPKeepAlive,
	}
	return dialer.Dial(network, address)
}

// Addr is the address this connection was dialed to.
func (conn *Conn) Addr() string {
	return conn.addr
}

// Handle returns the user specified handle from Opts.
func (conn *Conn) Handle() interface{} {
	return conn.opts.Handle
}

// Events is the bus connected / disconnected / replies_out_of_sync are
// emitted on.
func (conn *Conn) Events() *redis.Bus {
	return conn.bus
}

// Send enqueues p on the reply queue, writes the encoded command and
// returns. The enqueue and the write happen under one lock, so replies
// pair to promises in issue order even across goroutines.
func (conn *Conn) Send(p *redis.Promise, cmd string, args ...interface{}) {
	buf, err := resp.AppendRequest(nil, redis.Req(cmd, args...))
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
	conn.queue = append(conn.queue, p)
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
func (conn *Conn) Call(cmd string, args ...interface{}) *redis.Promise {
	p := redis.NewPromise()
	conn.Send(p, cmd, args...)
	return p
}

// Alive reports whether the connection has not been torn down yet.
func (conn *Conn) Alive() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return !conn.closed
}

// Close tears the connection down. Queued promises fail with a
// connection-lost error, then disconnected is emitted.
func (conn *Conn) Close() {
	conn.shutdown(redis.ErrConnectionLost.New("connection closed").WithProperty(redis.EKAddress, conn.addr))
}

func (conn *Conn) touch() {
	atomic.StoreInt64(&conn.lastRead, time.Now().UnixNano())
}

func (conn *Conn) sinceLastRead() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&conn.lastRead)))
}

func (conn *Conn) probe() {
	conn.Send(redis.NewPromise(), "ping")
}

func (conn *Conn) probeTimeout() {
	conn.opts.Logger.Report(LogProbeTimeout, conn.addr)
	conn.shutdown(redis.ErrIO.New("inactivity probe timed out").WithProperty(redis.EKAddress, conn.addr))
}

func (conn *Conn) reader(r *bufio.Reader) {
	for {
		res := resp.Read(r)
		rerr := redis.AsErrorx(res)
		if redis.HardError(rerr) {
			conn.shutdown(rerr)
			return
		}
		conn.touch()
		conn.mu.Lock()
		if len(conn.queue) == 0 {
			conn.mu.Unlock()
			conn.opts.Logger.Report(LogOutOfSync, conn.addr)
			conn.bus.Emit(redis.EventOutOfSync)
			conn.shutdown(redis.ErrOutOfSync.New("reply arrived with no command in flight").WithProperty(redis.EKAddress, conn.addr))
			return
		}
		p := conn.queue[0]
		conn.queue = conn.queue[1:]
		conn.mu.Unlock()
		if rerr != nil {
			p.Fail(rerr)
		} else {
			p.Succeed(res)
		}
	}
}

func (conn *Conn) shutdown(cause error) {
	conn.closeOnce.Do(func() {
		conn.mu.Lock()
		conn.closed = true
		conn.c.Close()
		queue := conn.queue
		conn.queue = nil
		conn.mu.Unlock()
		close(conn.done)

		lost := redis.ErrConnectionLost.WrapWithNoMessage(cause).WithProperty(redis.EKAddress, conn.addr)
		for _, p := range queue {
			p.Fail(lost)
		}
		conn.opts.Logger.Report(LogDisconnected, conn.addr, cause)
		conn.bus.Emit(redis.EventDisconnected, cause)
	})
}
