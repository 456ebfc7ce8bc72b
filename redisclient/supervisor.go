package redisclient

import (
	"sync"
	"time"

	"github.com/joomcode/errorx"

	"github.com/joomcode/redisward/redis"
	"github.com/joomcode/redisward/redisconn"
)

const (
	// DefaultRetryBudget is the number of consecutive failed connection
	// attempts tolerated before the supervisor gives up.
	DefaultRetryBudget = 4
	// DefaultReconnectPause is the delay before retrying after a failed
	// attempt. A retry after a clean connection loss is immediate.
	DefaultReconnectPause = 500 * time.Millisecond
)

// Transport is a live connection as the supervisor sees it: something
// that emits disconnected on its bus and can be closed. Both
// redisconn.Conn and redisconn.PubSubConn satisfy it.
type Transport interface {
	Events() *redis.Bus
	Alive() bool
	Close()
}

// Factory opens a ready-to-use transport. The returned promise resolves
// with a Transport (dialed, authenticated, primed) or fails.
type Factory func() *redis.Promise

// SupervisorOpts parameterize a Supervisor.
type SupervisorOpts struct {
	Factory Factory
	// Timers schedules delayed retries. Defaults to the wall clock.
	Timers redis.Timers
	// ReconnectPause is the delay before retrying a failed attempt.
	// 0 means DefaultReconnectPause.
	ReconnectPause time.Duration
	// RetryBudget is the failed-attempt limit. 0 means DefaultRetryBudget.
	RetryBudget int
	// Logger and Addr label lifecycle reports.
	Logger redisconn.Logger
	Addr   string
}

// Supervisor owns at most one Transport and drives the connection
// lifecycle state machine:
//
//	initial -> connecting -> connected -> disconnected -> connecting ...
//	                                   \> failed (retry budget exhausted)
//
// A clean loss (connected -> disconnected) retries immediately; a failed
// attempt (connecting -> disconnected) retries after ReconnectPause. After
// RetryBudget consecutive failed attempts it parks in the failed state
// until Reconnect is called.
//
// Listeners of disconnected and reconnect_failed may themselves call
// Reconnect; the supervisor re-reads its own state after each emission
// and only proceeds with the default schedule if nothing intervened.
type Supervisor struct {
	mu            sync.Mutex
	fsm           *redis.StateMachine
	bus           *redis.Bus
	factory       Factory
	timers        redis.Timers
	pause         time.Duration
	budget        int
	log           redisconn.Logger
	addr          string
	attempts      int
	everConnected bool
	conn          Transport
	attempt       *attempt
	retry         redis.Timer
	closed        bool
}

// attempt identifies one connection attempt by its address. It is not
// zero-sized, so every attempt gets a distinct address.
type attempt struct{ _ byte }

// NewSupervisor builds a supervisor in the initial state. Nothing happens
// until Connect.
func NewSupervisor(opts SupervisorOpts) *Supervisor {
	fsm, err := redis.NewStateMachine(redis.StateInitial, redis.LifecycleTransitions)
	if err != nil {
		panic(err)
	}
	s := &Supervisor{
		fsm:     fsm,
		bus:     redis.NewBus(),
		factory: opts.Factory,
		timers:  opts.Timers,
		pause:   opts.ReconnectPause,
		budget:  opts.RetryBudget,
		log:     opts.Logger,
		addr:    opts.Addr,
	}
	if s.timers == nil {
		s.timers = redis.RealTimers{}
	}
	if s.pause <= 0 {
		s.pause = DefaultReconnectPause
	}
	if s.budget <= 0 {
		s.budget = DefaultRetryBudget
	}
	if s.log == nil {
		s.log = redisconn.DefaultLogger()
	}
	return s
}

// Events is the bus connected / reconnected / disconnected /
// reconnect_failed / failed are emitted on.
func (s *Supervisor) Events() *redis.Bus {
	return s.bus
}

// State returns the current lifecycle state.
func (s *Supervisor) State() redis.State {
	return s.fsm.Current()
}

// Connection returns the current transport. It is defined only while
// connected.
func (s *Supervisor) Connection() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect starts the first connection attempt. It is legal only from the
// initial and failed states.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.fsm.Current(); st {
	case redis.StateInitial, redis.StateFailed:
		s.beginConnecting()
		return nil
	default:
		return errorx.IllegalState.New("connect is legal from initial or failed state only, current is %s", st)
	}
}

// Reconnect forces progress towards a fresh connection, whatever the
// current state: it starts connecting, restarts an in-flight attempt, or
// asks the current connection to close so the loss path takes over.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	switch s.fsm.Current() {
	case redis.StateConnecting:
		s.attempt = nil // orphan the in-flight attempt
		s.startAttempt()
		s.mu.Unlock()
	case redis.StateConnected:
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close() // disconnected will follow
		}
	default:
		s.beginConnecting()
		s.mu.Unlock()
	}
}

// Close stops the supervisor for good: no more retries, the current
// connection is detached and closed without the loss being surfaced.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.attempt = nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Events().OffAll(redis.EventDisconnected)
		conn.Close()
	}
}

// beginConnecting is called with mu held and a state that permits the
// edge to connecting.
func (s *Supervisor) beginConnecting() {
	if s.closed {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if err := s.fsm.Update(redis.StateConnecting); err != nil {
		panic(err)
	}
	s.startAttempt()
}

// startAttempt is called with mu held, state connecting.
func (s *Supervisor) startAttempt() {
	at := &attempt{}
	s.attempt = at
	s.log.Report(redisconn.LogConnecting, s.addr)
	go func() {
		s.factory().
			OnSuccess(func(v interface{}) { s.attemptSucceeded(at, v.(Transport)) }).
			OnFailure(func(err error) { s.attemptFailed(at, err) })
	}()
}

func (s *Supervisor) attemptSucceeded(at *attempt, conn Transport) {
	s.mu.Lock()
	if s.attempt != at || s.fsm.Current() != redis.StateConnecting {
		s.mu.Unlock()
		conn.Close() // attempt was cancelled; the connection arrived late
		return
	}
	s.attempt = nil
	if err := s.fsm.Update(redis.StateConnected); err != nil {
		panic(err)
	}
	s.conn = conn
	conn.Events().Once(redis.EventDisconnected, func(...interface{}) {
		s.connLost(conn)
	})
	wasRetry := s.attempts > 0 || s.everConnected
	s.attempts = 0
	s.everConnected = true
	s.mu.Unlock()

	s.bus.Emit(redis.EventConnected)
	if wasRetry {
		s.bus.Emit(redis.EventReconnected)
	}
	if !conn.Alive() {
		// died before the disconnected listener was attached
		s.connLost(conn)
	}
}

func (s *Supervisor) attemptFailed(at *attempt, err error) {
	s.mu.Lock()
	if s.attempt != at || s.fsm.Current() != redis.StateConnecting {
		s.mu.Unlock()
		return
	}
	s.attempt = nil
	if ferr := s.fsm.Update(redis.StateDisconnected); ferr != nil {
		panic(ferr)
	}
	s.attempts++
	n := s.attempts
	s.mu.Unlock()

	s.log.Report(redisconn.LogConnectFailed, s.addr, err)
	s.bus.Emit(redis.EventReconnectFailed, n)

	s.mu.Lock()
	if s.closed || s.fsm.Current() != redis.StateDisconnected {
		s.mu.Unlock() // a listener already called Reconnect
		return
	}
	if n >= s.budget {
		if ferr := s.fsm.Update(redis.StateFailed); ferr != nil {
			panic(ferr)
		}
		s.mu.Unlock()
		s.log.Report(redisconn.LogAttemptsExhausted, s.addr, n)
		s.bus.Emit(redis.EventFailed)
		return
	}
	s.retry = s.timers.AfterFunc(s.pause, s.retryFire)
	s.log.Report(redisconn.LogRetryScheduled, s.addr, n)
	s.mu.Unlock()
}

func (s *Supervisor) connLost(conn Transport) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if err := s.fsm.Update(redis.StateDisconnected); err != nil {
		panic(err)
	}
	s.mu.Unlock()

	s.bus.Emit(redis.EventDisconnected)

	s.mu.Lock()
	if !s.closed && s.fsm.Current() == redis.StateDisconnected {
		// a clean loss retries immediately
		s.beginConnecting()
	}
	s.mu.Unlock()
}

func (s *Supervisor) retryFire() {
	s.mu.Lock()
	s.retry = nil
	if !s.closed && s.fsm.Current() == redis.StateDisconnected {
		s.beginConnecting()
	}
	s.mu.Unlock()
}
