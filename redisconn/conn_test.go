package redisconn_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/joomcode/redisward/redis"
	. "github.com/joomcode/redisward/redisconn"
	"github.com/joomcode/redisward/testbed"
)

var defopts = Opts{
	IOTimeout: 200 * time.Millisecond,
}

type Suite struct {
	suite.Suite
	s *testbed.Server
}

func TestConn(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.s = &testbed.Server{}
	s.Require().NoError(s.s.Start())
}

func (s *Suite) TearDownTest() {
	s.s.Stop()
}

func (s *Suite) r() *require.Assertions {
	return s.Require()
}

func (s *Suite) connect(opts Opts) *Conn {
	conn, err := Connect(s.s.Addr(), opts)
	s.r().NoError(err)
	return conn
}

func waitEvent(s *suite.Suite, bus *redis.Bus, event string) func() []interface{} {
	ch := make(chan []interface{}, 16)
	bus.On(event, func(args ...interface{}) {
		ch <- args
	})
	return func() []interface{} {
		select {
		case args := <-ch:
			return args
		case <-time.After(5 * time.Second):
			s.Require().FailNow("timed out waiting for event " + event)
			return nil
		}
	}
}

func (s *Suite) TestBasicCommand() {
	conn := s.connect(defopts)
	defer conn.Close()

	res := redis.Sync{C: conn}.Do("set", "x", "1")
	s.Equal("OK", res)
	s.Equal([][]string{{"set", "x", "1"}}, s.s.Commands())

	res = redis.Sync{C: conn}.Do("get", "x")
	s.Equal([]byte("1"), res)
}

func (s *Suite) TestRepliesResolveInIssueOrder() {
	conn := s.connect(defopts)
	defer conn.Close()

	promises := make([]*redis.Promise, 10)
	for i := range promises {
		promises[i] = conn.Call("echo", i)
	}
	for i, p := range promises {
		res, err := p.Result()
		s.r().NoError(err)
		s.Equal([]byte{byte('0' + i)}, res)
	}
}

func (s *Suite) TestErrorReplyFailsOnlyThatCommand() {
	conn := s.connect(defopts)
	defer conn.Close()

	_, err := conn.Call("bogus").Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrResult))

	// the connection survives a result error
	s.Equal("PONG", redis.Sync{C: conn}.Do("ping"))
	s.True(conn.Alive())
}

func (s *Suite) TestDisconnectFailsInFlightBeforeDisconnectedEvent() {
	conn := s.connect(defopts)

	var mu sync.Mutex
	var order []string
	disconnected := waitEvent(&s.Suite, conn.Events(), redis.EventDisconnected)
	conn.Events().On(redis.EventDisconnected, func(...interface{}) {
		mu.Lock()
		order = append(order, "disconnected")
		mu.Unlock()
	})

	// no replies will come
	s.s.Silence(true)
	promises := make([]*redis.Promise, 3)
	for i := range promises {
		promises[i] = conn.Call("ping")
		promises[i].OnFailure(func(error) {
			mu.Lock()
			order = append(order, "failed")
			mu.Unlock()
		})
	}

	s.s.DropConnections()
	disconnected()

	for _, p := range promises {
		_, err := p.Result()
		s.r().Error(err)
		s.True(errorx.IsOfType(err, redis.ErrConnectionLost))
		s.True(errorx.HasTrait(err, redis.ErrTraitConnectivity))
	}
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"failed", "failed", "failed", "disconnected"}, order)
}

func (s *Suite) TestSendAfterCloseFails() {
	conn := s.connect(defopts)
	conn.Close()
	s.False(conn.Alive())

	_, err := conn.Call("ping").Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrNotConnected))
}

func (s *Suite) TestUnsupportedArgumentFailsWithoutSending() {
	conn := s.connect(defopts)
	defer conn.Close()

	_, err := conn.Call("set", "x", make(chan int)).Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrInvalidArgument))
	s.Empty(s.s.Commands())
}

func (s *Suite) TestUnsolicitedReplyIsFatal() {
	// a bare server that pushes a reply nobody asked for
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	s.r().NoError(err)
	defer lis.Close()
	go func() {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond) // let the test attach listeners
		c.Write([]byte("+OK\r\n"))
	}()

	conn, err := Connect(lis.Addr().String(), defopts)
	s.r().NoError(err)

	outOfSync := waitEvent(&s.Suite, conn.Events(), redis.EventOutOfSync)
	disconnected := waitEvent(&s.Suite, conn.Events(), redis.EventDisconnected)
	outOfSync()
	disconnected()
	s.False(conn.Alive())
}

func (s *Suite) TestDialFailure() {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	s.r().NoError(err)
	addr := lis.Addr().String()
	lis.Close()

	conn, err := Connect(addr, defopts)
	s.r().Nil(conn)
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrConnectFailed))
}

func (s *Suite) TestInactivityProbePingsAndTearsDown() {
	opts := defopts
	opts.InactivityTrigger = 150 * time.Millisecond
	opts.InactivityTimeout = 150 * time.Millisecond
	conn := s.connect(opts)
	defer conn.Close()

	// while the server answers, probes keep the connection alive
	time.Sleep(400 * time.Millisecond)
	s.True(conn.Alive())
	pings := 0
	for _, cmd := range s.s.Commands() {
		if cmd[0] == "ping" {
			pings++
		}
	}
	s.r().GreaterOrEqual(pings, 1)

	// a stalled server answers nothing: probe times out
	disconnected := waitEvent(&s.Suite, conn.Events(), redis.EventDisconnected)
	s.s.Silence(true)
	start := time.Now()
	disconnected()
	s.False(conn.Alive())
	s.r().WithinDuration(start.Add(300*time.Millisecond), time.Now(), 300*time.Millisecond)
}
