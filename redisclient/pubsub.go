package redisclient

import (
	"sync"

	"github.com/joomcode/redisward/redis"
	"github.com/joomcode/redisward/redisconn"
)

// Listener receives published messages. For a channel subscription the
// first argument is the channel itself; for a pattern subscription it is
// the concrete channel the message arrived on.
//
// Listener identity is the interface value: selective unsubscription
// removes the exact value that was passed to Subscribe.
type Listener interface {
	Handle(channel string, payload []byte)
}

// FuncListener wraps fn into a Listener with a fresh identity.
func FuncListener(fn func(channel string, payload []byte)) Listener {
	return &funcListener{fn}
}

type funcListener struct {
	fn func(string, []byte)
}

func (l *funcListener) Handle(channel string, payload []byte) {
	l.fn(channel, payload)
}

// registry keys are prefixed so channel and pattern pending queues never
// collide.
const (
	keyChannel = "c:"
	keyPattern = "p:"
)

// PubSubClient is the subscription persona.
//
// The channel and pattern registries are the ground truth for what should
// be subscribed on the wire: on every fresh connection the factory
// reissues one subscribe/psubscribe per key before it resolves, so
// registered listeners keep firing across reconnects.
type PubSubClient struct {
	mu       sync.Mutex
	opts     Opts
	endpoint Endpoint
	sup      *Supervisor
	bus      *redis.Bus
	conn     *redisconn.PubSubConn
	channels map[string][]Listener
	patterns map[string][]Listener
	// subscribe handles awaiting an acknowledgement that can only arrive
	// once a connection is up again
	pendingAcks map[string][]*redis.Promise
	ready       *redis.Promise
}

// NewPubSubClient builds a subscription client for the endpoint URI.
// No connection is made until Connect.
func NewPubSubClient(rawurl string, opts Opts) (*PubSubClient, error) {
	ep, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	c := &PubSubClient{
		opts:        opts,
		endpoint:    ep,
		bus:         redis.NewBus(),
		channels:    make(map[string][]Listener),
		patterns:    make(map[string][]Listener),
		pendingAcks: make(map[string][]*redis.Promise),
		ready:       redis.NewPromise(),
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

func (c *PubSubClient) mirrorSupervisor() {
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
			WithProperty(redis.EKAddress, c.endpoint.Addr())
		c.failPendingAcks(err)
		c.ready.Fail(err)
		c.bus.Emit(redis.EventFailed)
	})
	c.bus.On(redis.EventConnected, func(...interface{}) {
		c.ready.Succeed(nil)
	})
}

// Events is the bus for message / pmessage, the four acknowledgement
// events, and the lifecycle events.
func (c *PubSubClient) Events() *redis.Bus {
	return c.bus
}

// State is the supervisor's current lifecycle state.
func (c *PubSubClient) State() redis.State {
	return c.sup.State()
}

// Connect starts connecting. The returned promise tracks the first
// successful readiness.
func (c *PubSubClient) Connect() *redis.Promise {
	c.sup.Connect()
	return c.ready
}

// Reconnect forces a fresh connection. An optional URI replaces the
// endpoint before the next attempt. Registry contents are preserved.
func (c *PubSubClient) Reconnect(rawurl ...string) error {
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

// Close shuts the client down.
func (c *PubSubClient) Close() {
	c.sup.Close()
	c.failPendingAcks(redis.ErrConnectionLost.New("client closed").
		WithProperty(redis.EKAddress, c.endpoint.Addr()))
}

// Subscribe registers l for channel. If the channel is already in the
// registry the listener is appended and the promise resolves immediately
// with no wire traffic; otherwise a subscribe command is issued and the
// listener is appended once the acknowledgement arrives.
func (c *PubSubClient) Subscribe(channel string, l Listener) *redis.Promise {
	return c.subscribe(c.channels, keyChannel, "subscribe", channel, l)
}

// PSubscribe registers l for pattern.
func (c *PubSubClient) PSubscribe(pattern string, l Listener) *redis.Promise {
	return c.subscribe(c.patterns, keyPattern, "psubscribe", pattern, l)
}

// Unsubscribe drops every listener of channel. If connected, an
// unsubscribe command is issued and the promise resolves with the
// server's remaining subscription count.
func (c *PubSubClient) Unsubscribe(channel string) *redis.Promise {
	return c.unsubscribeAll(c.channels, keyChannel, "unsubscribe", channel)
}

// PUnsubscribe drops every listener of pattern.
func (c *PubSubClient) PUnsubscribe(pattern string) *redis.Promise {
	return c.unsubscribeAll(c.patterns, keyPattern, "punsubscribe", pattern)
}

// UnsubscribeListener removes one listener of channel by identity. If it
// was the last one, the wire unsubscribe is triggered; otherwise the
// promise resolves immediately. A listener that is not registered fails
// the promise.
func (c *PubSubClient) UnsubscribeListener(channel string, l Listener) *redis.Promise {
	return c.unsubscribeListener(c.channels, keyChannel, "unsubscribe", channel, l)
}

// PUnsubscribeListener removes one listener of pattern by identity.
func (c *PubSubClient) PUnsubscribeListener(pattern string, l Listener) *redis.Promise {
	return c.unsubscribeListener(c.patterns, keyPattern, "punsubscribe", pattern, l)
}

func (c *PubSubClient) subscribe(reg map[string][]Listener, prefix, verb, name string, l Listener) *redis.Promise {
	p := redis.NewPromise()
	c.mu.Lock()
	if c.sup.State() == redis.StateFailed {
		c.mu.Unlock()
		p.Fail(redis.ErrInFailedState.New("client is in failed state, call Reconnect").
			WithProperty(redis.EKChannel, name))
		return p
	}
	if list := reg[name]; len(list) > 0 {
		reg[name] = append(list, l)
		c.mu.Unlock()
		p.Succeed(nil)
		return p
	}
	conn := c.conn
	if conn == nil {
		// Not connected: record the wish now (the registry drives
		// resubscription), resolve once the post-reconnect ack arrives.
		reg[name] = append(reg[name], l)
		c.pendingAcks[prefix+name] = append(c.pendingAcks[prefix+name], p)
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()
	ack := conn.Call(verb, name)
	ack.OnSuccess(func(count interface{}) {
		c.mu.Lock()
		reg[name] = append(reg[name], l)
		c.mu.Unlock()
		p.Succeed(count)
	})
	ack.OnFailure(func(err error) {
		p.Fail(err)
	})
	return p
}

func (c *PubSubClient) unsubscribeAll(reg map[string][]Listener, prefix, verb, name string) *redis.Promise {
	p := redis.NewPromise()
	c.mu.Lock()
	delete(reg, name)
	orphaned := c.pendingAcks[prefix+name]
	delete(c.pendingAcks, prefix+name)
	conn := c.conn
	c.mu.Unlock()
	// subscribes that were still waiting for a reconnect lost their reason
	for _, op := range orphaned {
		op.Succeed(nil)
	}
	if conn == nil {
		p.Succeed(int64(0))
		return p
	}
	conn.Send(p, verb, name)
	return p
}

func (c *PubSubClient) unsubscribeListener(reg map[string][]Listener, prefix, verb, name string, l Listener) *redis.Promise {
	p := redis.NewPromise()
	c.mu.Lock()
	list := reg[name]
	idx := -1
	for i, registered := range list {
		if registered == l {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		p.Fail(redis.ErrInvalidArgument.New("listener is not subscribed").
			WithProperty(redis.EKChannel, name))
		return p
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) > 0 {
		reg[name] = list
		c.mu.Unlock()
		p.Succeed(nil)
		return p
	}
	delete(reg, name)
	orphaned := c.pendingAcks[prefix+name]
	delete(c.pendingAcks, prefix+name)
	conn := c.conn
	c.mu.Unlock()
	for _, op := range orphaned {
		op.Succeed(nil)
	}
	if conn == nil {
		p.Succeed(int64(0))
		return p
	}
	conn.Send(p, verb, name)
	return p
}

func (c *PubSubClient) failPendingAcks(err error) {
	c.mu.Lock()
	pending := c.pendingAcks
	c.pendingAcks = make(map[string][]*redis.Promise)
	c.mu.Unlock()
	for _, list := range pending {
		for _, p := range list {
			p.Fail(err)
		}
	}
}

// factory builds one ready pub/sub connection: dial, auth if a password
// is set, announce connected, reissue subscribe/psubscribe for every
// registry key, and only then resolve.
func (c *PubSubClient) factory() *redis.Promise {
	p := redis.NewPromise()
	go func() {
		c.mu.Lock()
		ep := c.endpoint
		c.mu.Unlock()

		conn, err := redisconn.ConnectPubSub(ep.Addr(), c.opts.connOpts())
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

		c.attachDispatch(conn)
		c.bus.Emit(redis.EventConnected)

		c.mu.Lock()
		channels := make([]string, 0, len(c.channels))
		for name := range c.channels {
			channels = append(channels, name)
		}
		patterns := make([]string, 0, len(c.patterns))
		for name := range c.patterns {
			patterns = append(patterns, name)
		}
		c.mu.Unlock()

		issued := make(map[string]bool, len(channels)+len(patterns))
		for _, name := range channels {
			issued[keyChannel+name] = true
			c.resubscribe(conn, "subscribe", keyChannel, name)
		}
		for _, name := range patterns {
			issued[keyPattern+name] = true
			c.resubscribe(conn, "psubscribe", keyPattern, name)
		}

		// Subscribes that raced in between the snapshot and now are in the
		// registry but not on the wire yet; catch them up.
		c.mu.Lock()
		c.conn = conn
		var lateChannels, latePatterns []string
		for name := range c.channels {
			if !issued[keyChannel+name] {
				lateChannels = append(lateChannels, name)
			}
		}
		for name := range c.patterns {
			if !issued[keyPattern+name] {
				latePatterns = append(latePatterns, name)
			}
		}
		c.mu.Unlock()
		for _, name := range lateChannels {
			c.resubscribe(conn, "subscribe", keyChannel, name)
		}
		for _, name := range latePatterns {
			c.resubscribe(conn, "psubscribe", keyPattern, name)
		}
		p.Succeed(Transport(conn))
	}()
	return p
}

func (c *PubSubClient) resubscribe(conn *redisconn.PubSubConn, verb, prefix, name string) {
	conn.Call(verb, name).OnSuccess(func(count interface{}) {
		c.mu.Lock()
		waiting := c.pendingAcks[prefix+name]
		delete(c.pendingAcks, prefix+name)
		c.mu.Unlock()
		for _, wp := range waiting {
			wp.Succeed(count)
		}
	})
	// On failure the registry still holds the name, so the next
	// reconnect retries; the waiting promises stay pending.
}

func (c *PubSubClient) attachDispatch(conn *redisconn.PubSubConn) {
	events := conn.Events()
	events.On(redis.EventMessage, func(args ...interface{}) {
		channel := args[0].(string)
		payload := args[1].([]byte)
		c.mu.Lock()
		listeners := append([]Listener(nil), c.channels[channel]...)
		c.mu.Unlock()
		for _, l := range listeners {
			l.Handle(channel, payload)
		}
		c.bus.Emit(redis.EventMessage, channel, payload)
	})
	events.On(redis.EventPMessage, func(args ...interface{}) {
		pattern := args[0].(string)
		channel := args[1].(string)
		payload := args[2].([]byte)
		c.mu.Lock()
		listeners := append([]Listener(nil), c.patterns[pattern]...)
		c.mu.Unlock()
		for _, l := range listeners {
			l.Handle(channel, payload)
		}
		c.bus.Emit(redis.EventPMessage, pattern, channel, payload)
	})
	for _, ack := range []string{redis.EventSubscribe, redis.EventUnsubscribe, redis.EventPSubscribe, redis.EventPUnsubscribe} {
		event := ack
		events.On(event, func(args ...interface{}) {
			c.bus.Emit(event, args...)
		})
	}
}
