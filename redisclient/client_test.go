package redisclient_test

import (
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/joomcode/redisward/redis"
	. "github.com/joomcode/redisward/redisclient"
	"github.com/joomcode/redisward/testbed"
)

type ClientSuite struct {
	suite.Suite
	s *testbed.Server
}

func TestClient(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.s = &testbed.Server{}
	s.Require().NoError(s.s.Start())
}

func (s *ClientSuite) TearDownTest() {
	s.s.Stop()
}

func (s *ClientSuite) r() *require.Assertions {
	return s.Require()
}

var clientOpts = Opts{
	IOTimeout:      200 * time.Millisecond,
	ReconnectPause: 20 * time.Millisecond,
}

func (s *ClientSuite) url(path string) string {
	return "redis://" + s.s.Addr() + path
}

func (s *ClientSuite) newClient(path string, opts Opts) *Client {
	c, err := NewClient(s.url(path), opts)
	s.r().NoError(err)
	return c
}

func (s *ClientSuite) waitEvent(bus *redis.Bus, event string) func() []interface{} {
	ch := make(chan []interface{}, 16)
	bus.On(event, func(args ...interface{}) {
		ch <- args
	})
	return func() []interface{} {
		select {
		case args := <-ch:
			return args
		case <-time.After(5 * time.Second):
			s.r().FailNow("timed out waiting for event " + event)
			return nil
		}
	}
}

func (s *ClientSuite) TestBasicCommand() {
	c := s.newClient("", clientOpts)
	defer c.Close()

	_, err := c.Connect().Result()
	s.r().NoError(err)
	s.Equal(redis.StateConnected, c.State())

	s.Equal("OK", redis.Sync{C: c}.Do("set", "x", "1"))
	s.Equal([][]string{{"set", "x", "1"}}, s.s.Commands())
	s.Equal([]byte("1"), redis.Sync{C: c}.Do("get", "x"))
}

func (s *ClientSuite) TestCommandsQueuedBeforeConnect() {
	c := s.newClient("", clientOpts)
	defer c.Close()

	p := c.Call("set", "early", "yes")
	s.False(p.Resolved())

	c.Connect()
	res, err := p.Result()
	s.r().NoError(err)
	s.Equal("OK", res)
}

func (s *ClientSuite) TestSelectPrecedesQueuedCommands() {
	c := s.newClient("/9", clientOpts)
	defer c.Close()

	get := c.Call("get", "foo")
	c.Connect()
	_, err := get.Result()
	s.r().NoError(err)

	log := s.s.Commands()
	s.r().GreaterOrEqual(len(log), 2)
	s.Equal([]string{"select", "9"}, log[0])
	s.Equal([]string{"get", "foo"}, log[1])
}

func (s *ClientSuite) TestAuthPrecedesEverything() {
	s.s.Password = "sekret"

	c, err := NewClient("redis://:sekret@"+s.s.Addr()+"/9", clientOpts)
	s.r().NoError(err)
	defer c.Close()

	get := c.Call("get", "foo")
	c.Connect()
	_, err = get.Result()
	s.r().NoError(err)

	log := s.s.Commands()
	s.r().GreaterOrEqual(len(log), 3)
	s.Equal([]string{"auth", "sekret"}, log[0])
	s.Equal([]string{"select", "9"}, log[1])
	s.Equal([]string{"get", "foo"}, log[2])
}

func (s *ClientSuite) TestQueuePreservedAcrossReconnect() {
	opts := clientOpts
	opts.RetryBudget = 1000
	c := s.newClient("/9", opts)
	defer c.Close()

	_, err := c.Connect().Result()
	s.r().NoError(err)

	disconnected := s.waitEvent(c.Events(), redis.EventDisconnected)
	reconnected := s.waitEvent(c.Events(), redis.EventReconnected)

	s.s.Stop()
	disconnected()

	// these must queue and survive the outage in order
	p1 := c.Call("ping", "1")
	p2 := c.Call("ping", "2")
	s.s.ResetCommands()

	time.Sleep(100 * time.Millisecond)
	s.r().NoError(s.s.Start())
	reconnected()

	res, err := p1.Result()
	s.r().NoError(err)
	s.Equal([]byte("1"), res)
	res, err = p2.Result()
	s.r().NoError(err)
	s.Equal([]byte("2"), res)

	log := s.s.Commands()
	s.r().GreaterOrEqual(len(log), 3)
	s.Equal([]string{"select", "9"}, log[0])
	s.Equal([]string{"ping", "1"}, log[1])
	s.Equal([]string{"ping", "2"}, log[2])
}

func (s *ClientSuite) TestRetryExhaustionAndManualRecovery() {
	// a dead address: allocate a port and close the listener
	dead := &testbed.Server{}
	s.r().NoError(dead.Start())
	addr := dead.Addr()
	dead.Stop()

	c, err := NewClient("redis://"+addr, clientOpts)
	s.r().NoError(err)
	defer c.Close()

	var failures []int
	done := s.waitEvent(c.Events(), redis.EventFailed)
	c.Events().On(redis.EventReconnectFailed, func(args ...interface{}) {
		failures = append(failures, args[0].(int))
	})

	ready := c.Connect()
	done()
	s.Equal([]int{1, 2, 3, 4}, failures)
	s.Equal(redis.StateFailed, c.State())

	_, err = ready.Result()
	s.r().Error(err)

	// synchronous failure while parked in the failed state
	p := c.Call("get", "foo")
	s.r().True(p.Resolved())
	_, err = p.Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrInFailedState))

	// manual reconnect against a live server restores service
	reconnectedTo := s.waitEvent(c.Events(), redis.EventConnected)
	s.r().NoError(c.Reconnect(s.url("")))
	reconnectedTo()
	s.Equal("PONG", redis.Sync{C: c}.Do("ping"))
}

func (s *ClientSuite) TestFailedStateDrainsPendingQueue() {
	dead := &testbed.Server{}
	s.r().NoError(dead.Start())
	addr := dead.Addr()
	dead.Stop()

	c, err := NewClient("redis://"+addr, clientOpts)
	s.r().NoError(err)
	defer c.Close()

	queued := c.Call("get", "foo")
	failed := s.waitEvent(c.Events(), redis.EventFailed)
	c.Connect()
	failed()

	_, err = queued.Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrInFailedState))
}

func (s *ClientSuite) TestSelectUpdatesEndpointForReconnects() {
	c := s.newClient("", clientOpts)
	defer c.Close()

	_, err := c.Connect().Result()
	s.r().NoError(err)

	_, err = c.Select(5).Result()
	s.r().NoError(err)

	reconnected := s.waitEvent(c.Events(), redis.EventReconnected)
	s.s.ResetCommands()
	s.s.DropConnections()
	reconnected()

	log := s.s.Commands()
	s.r().GreaterOrEqual(len(log), 1)
	s.Equal([]string{"select", "5"}, log[0])
}

func (s *ClientSuite) TestSelectValidatesRange() {
	c := s.newClient("", clientOpts)
	defer c.Close()

	_, err := c.Select(16).Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrInvalidArgument))
}

func (s *ClientSuite) TestServerErrorFailsOnlyThatCommand() {
	c := s.newClient("", clientOpts)
	defer c.Close()
	_, err := c.Connect().Result()
	s.r().NoError(err)

	_, err = c.Call("bogus").Result()
	s.r().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrResult))
	s.Equal(redis.StateConnected, c.State())
	s.Equal("PONG", redis.Sync{C: c}.Do("ping"))
}
