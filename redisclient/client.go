package redisclient

import (
	"sync"
	"time"

	"github.com/joomcode/redisward/redis"
	"github.com/joomcode/redisward/redisconn"
)

// Opts are knobs shared by both client personas.
type Opts struct {
	// DialTimeout, IOTimeout and TCPKeepAlive are handed to the
	// underlying connections (see redisconn.Opts).
	DialTimeout  time.Duration
	IOTimeout    time.Duration
	TCPKeepAlive time.Duration
	// InactivityTrigger / InactivityTimeout configure the per-connection
	// inactivity probe. Both zero (the default) disable it.
	InactivityTrigger time.Duration
	InactivityTimeout time.Duration
	// ReconnectPause is the delay before retrying a failed connection
	// attempt. 0 means DefaultReconnectPause.
	ReconnectPause time.Duration
	// RetryBudget is the consecutive-failure limit before the failed
	// state. 0 means DefaultRetryBudget.
	RetryBudget int
	// Timers schedules retries; injectable for tests.
	Timers redis.Timers
	// Logger is the lifecycle reporting hook. Defaults to logrus.
	Logger redisconn.Logger
}

func (opts Opts) connOpts() redisconn.Opts {
	return redisconn.Opts{
		DialTimeout:       opts.DialTimeout,
		IOTimeout:         opts.IOTimeout,
		TCPKeepAlive:      opts.TCPKeepAlive,
		InactivityTrigger: opts.InactivityTrigger,
		InactivityTimeout: opts.InactivityTimeout,
		Logger:            opts.Logger,
	}
}

type pendingCmd struct {
	p    *redis.Promise
	cmd  string
	args []interface{}
}

// Client is the request/response persona: a generic verb dispatch over a
// supervised reconnecting connection.
//
// Commands issued while a connection is being (re)established are queued
// and drained in FIFO order once the fresh connection is authenticated
// and selected, so a caller's issue order is preserved across reconnects.
// While the supervisor is in the failed state commands fail synchronously
// with a failed-state error until Reconnect is called.
type Client struct {
	mu       sync.Mutex
	opts     Opts
	endpoint Endpoint
	sup      *Supervisor
	bus      *redis.Bus
	conn     *redisconn.Conn // set once the pending queue is drained
	pending  []pendingCmd
	ready    *redis.Promise
}

// NewClient builds a client for the endpoint URI
// redis://[:password@]host[:port][/db]. No connection is made until
// Connect.
func NewClient(rawurl string, opts Opts) (*Client, error) {
	ep, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:     opts,
		endpoint: ep,
		bus:      redis.NewBus(),
		ready:    redis.NewPromise(),
	}
	c.sup = NewSupervisor(SupervisorOpts{
		Factory:        c.factory,
		Timers:         opts.Timers,
		ReconnectPause: opts.ReconnectPause,
		RetryBudget:    opts.RetryBudget,
		Logger:         opts.Logger,
		Addr:           ep.Addr(),
	})
	c.mirrorSupervisor()
	return c, nil
}

func (c *Client) mirrorSupervisor() {
	sup := c.sup.Events()
	sup.On(redis.EventReconnected, func(...interface{}) {
		c.bus.Emit(redis.EventReconnected)
	})
	sup.On(redis.EventDisconnected, func(...interface{}) {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.bus.Emit(redis.EventDisconnected)
	})
	sup.On(redis.EventReconnectFailed, func(args ...interface{}) {
		c.bus.Emit(redis.EventReconnectFailed, args...)
	})
	sup.On(redis.EventFailed, func(...interface{}) {
		err := redis.ErrInFailedState.New("reconnect attempts exhausted").
			WithProperty(redis.EKAddress, c.addr())
		c.failPending(err)
		c.ready.Fail(err)
		c.bus.Emit(redis.EventFailed)
	})
	c.bus.On(redis.EventConnected, func(...interface{}) {
		c.ready.Succeed(nil)
	})
}

// Events is the bus connected / reconnected / disconnected /
// reconnect_failed / failed are emitted on.
func (c *Client) Events() *redis.Bus {
	return c.bus
}

// State is the supervisor's current lifecycle state.
func (c *Client) State() redis.State {
	return c.sup.State()
}

func (c *Client) addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint.Addr()
}

// Connect starts connecting. The returned promise tracks the first
// successful readiness: it succeeds on the first connected event and
// fails if the retry budget runs out before that.
func (c *Client) Connect() *redis.Promise {
	c.sup.Connect()
	return c.ready
}

// Reconnect forces a fresh connection. An optional URI replaces the
// endpoint before the next attempt.
func (c *Client) Reconnect(rawurl ...string) error {
	if len(rawurl) > 0 {
		ep, err := ParseURL(rawurl[0])
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.endpoint = ep
		c.mu.Unlock()
	}
	c.sup.Reconnect()
	return nil
}

// Call issues an arbitrary command. Every Redis verb is available
// through this single dispatch; the arguments pass through untouched.
func (c *Client) Call(cmd string, args ...interface{}) *redis.Promise {
	p := redis.NewPromise()
	c.process(p, cmd, args)
	return p
}

// Select switches the database and remembers it, so every following
// reconnect selects the same database.
func (c *Client) Select(db int) *redis.Promise {
	if db < 0 || db > 15 {
		p := redis.NewPromise()
		p.Fail(redis.ErrInvalidArgument.New("database index %d is out of range 0..15", db).
			WithProperty(redis.EKDb, db))
		return p
	}
	c.mu.Lock()
	c.endpoint.DB = db
	c.mu.Unlock()
	return c.Call("select", db)
}

// Auth authenticates and remembers the password for reconnects.
func (c *Client) Auth(password string) *redis.Promise {
	c.mu.Lock()
	c.endpoint.Password = password
	c.mu.Unlock()
	return c.Call("auth", password)
}

// Close shuts the client down: the supervisor stops retrying and queued
// commands fail.
func (c *Client) Close() {
	c.sup.Close()
	c.failPending(redis.ErrConnectionLost.New("client closed").
		WithProperty(redis.EKAddress, c.addr()))
}

func (c *Client) process(p *redis.Promise, cmd string, args []interface{}) {
	c.mu.Lock()
	if c.sup.State() == redis.StateFailed {
		c.mu.Unlock()
		p.Fail(redis.ErrInFailedState.New("client is in failed state, call Reconnect").
			WithProperty(redis.EKAddress, c.addr()))
		return
	}
	if conn := c.conn; conn != nil {
		c.mu.Unlock()
		conn.Send(p, cmd, args...)
		return
	}
	c.pending = append(c.pending, pendingCmd{p, cmd, args})
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, pc := range pending {
		pc.p.Fail(err)
	}
}

// factory builds one ready connection for the supervisor: dial, auth if
// a password is set, select if the database is not 0, announce
// connected, drain the pending queue, and only then resolve.
func (c *Client) factory() *redis.Promise {
	p := redis.NewPromise()
	go func() {
		c.mu.Lock()
		ep := c.endpoint
		c.mu.Unlock()

		conn, err := redisconn.Connect(ep.Addr(), c.opts.connOpts())
		if err != nil {
			p.Fail(err)
			return
		}
		if ep.Password != "" {
			if _, err := conn.Call("auth", ep.Password).Result(); err != nil {
				conn.Close()
				p.Fail(redis.ErrConnectFailed.Wrap(err, "auth rejected").
					WithProperty(redis.EKAddress, ep.Addr()))
				return
			}
		}
		if ep.DB != 0 {
			if _, err := conn.Call("select", ep.DB).Result(); err != nil {
				conn.Close()
				p.Fail(redis.ErrConnectFailed.Wrap(err, "select rejected").
					WithProperty(redis.EKAddress, ep.Addr()).
					WithProperty(redis.EKDb, ep.DB))
				return
			}
		}

		c.bus.Emit(redis.EventConnected)

		// Drain in FIFO order. Commands arriving during the drain land in
		// pending and are picked up before c.conn opens the direct path.
		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.conn = conn
				c.mu.Unlock()
				break
			}
			batch := c.pending
			c.pending = nil
			c.mu.Unlock()
			for _, pc := range batch {
				conn.Send(pc.p, pc.cmd, pc.args...)
			}
		}
		p.Succeed(Transport(conn))
	}()
	return p
}
