package testbed

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/joomcode/redisward/redis"
	"github.com/joomcode/redisward/resp"
)

// Server is an in-process Redis-speaking server.
type Server struct {
	// Password, when non-empty, demands AUTH before anything else.
	Password string

	mu       sync.Mutex
	lis      net.Listener
	addr     string
	silent   bool
	sessions map[*session]struct{}
	data     map[int]map[string]string
	commands [][]string
}

// Start begins accepting connections. The address is allocated on first
// start and stays stable across Stop/Start cycles.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	addr := s.addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = lis
	s.addr = lis.Addr().String()
	if s.sessions == nil {
		s.sessions = make(map[*session]struct{})
	}
	if s.data == nil {
		s.data = make(map[int]map[string]string)
	}
	go s.acceptLoop(lis)
	return nil
}

// Addr is the listen address. Valid after the first Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	s.mu.Unlock()
	if lis != nil {
		lis.Close()
	}
	s.DropConnections()
}

// DropConnections closes every live connection but keeps accepting.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.c.Close()
	}
}

// Silence makes the server read commands but write no replies, as a
// stalled server would. Pushed messages are swallowed too.
func (s *Server) Silence(on bool) {
	s.mu.Lock()
	s.silent = on
	s.mu.Unlock()
}

// Commands returns every command received so far, oldest first.
func (s *Server) Commands() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// ResetCommands clears the command log.
func (s *Server) ResetCommands() {
	s.mu.Lock()
	s.commands = nil
	s.mu.Unlock()
}

// Publish delivers payload to every session subscribed to channel,
// directly or through a pattern. It returns the number of deliveries.
func (s *Server) Publish(channel, payload string) int {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	n := 0
	for _, sess := range sessions {
		n += sess.deliver(channel, payload)
	}
	return n
}

func (s *Server) acceptLoop(lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		sess := &session{
			s:        s,
			c:        c,
			channels: make(map[string]bool),
			patterns: make(map[string]bool),
		}
		s.mu.Lock()
		if s.lis != lis {
			s.mu.Unlock()
			c.Close()
			continue
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		go sess.serve()
	}
}

func (s *Server) record(cmd []string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *Server) muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silent
}

func (s *Server) store(db int) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[db]
	if m == nil {
		m = make(map[string]string)
		s.data[db] = m
	}
	return m
}

type session struct {
	s      *Server
	c      net.Conn
	wmu    sync.Mutex
	db     int
	authed bool

	smu      sync.Mutex
	channels map[string]bool
	patterns map[string]bool
}

func (sess *session) serve() {
	defer func() {
		sess.c.Close()
		sess.s.mu.Lock()
		delete(sess.s.sessions, sess)
		sess.s.mu.Unlock()
	}()
	r := bufio.NewReader(sess.c)
	for {
		cmd, ok := readCommand(r)
		if !ok {
			return
		}
		sess.s.record(cmd)
		sess.handle(cmd)
	}
}

// readCommand parses one request array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, bool) {
	res := resp.Read(r)
	if redis.AsError(res) != nil {
		return nil, false
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, false
	}
	cmd := make([]string, len(arr))
	for i, v := range arr {
		b, ok := v.([]byte)
		if !ok {
			return nil, false
		}
		cmd[i] = string(b)
	}
	return cmd, true
}

func (sess *session) handle(cmd []string) {
	verb := strings.ToLower(cmd[0])
	args := cmd[1:]

	if sess.s.Password != "" && !sess.authed && verb != "auth" {
		sess.writeError("NOAUTH Authentication required.")
		return
	}

	switch verb {
	case "auth":
		if len(args) == 1 && args[0] == sess.s.Password && sess.s.Password != "" {
			sess.authed = true
			sess.writeStatus("OK")
		} else {
			sess.writeError("ERR invalid password")
		}
	case "ping":
		if len(args) == 1 {
			sess.writeBulk([]byte(args[0]))
		} else {
			sess.writeStatus("PONG")
		}
	case "echo":
		if len(args) != 1 {
			sess.writeError("ERR wrong number of arguments for 'echo' command")
			return
		}
		sess.writeBulk([]byte(args[0]))
	case "select":
		if len(args) != 1 {
			sess.writeError("ERR wrong number of arguments for 'select' command")
			return
		}
		db, err := strconv.Atoi(args[0])
		if err != nil || db < 0 || db > 15 {
			sess.writeError("ERR DB index is out of range")
			return
		}
		sess.db = db
		sess.writeStatus("OK")
	case "set":
		if len(args) != 2 {
			sess.writeError("ERR wrong number of arguments for 'set' command")
			return
		}
		sess.s.store(sess.db)[args[0]] = args[1]
		sess.writeStatus("OK")
	case "get":
		if len(args) != 1 {
			sess.writeError("ERR wrong number of arguments for 'get' command")
			return
		}
		v, ok := sess.s.store(sess.db)[args[0]]
		if !ok {
			sess.writeNil()
			return
		}
		sess.writeBulk([]byte(v))
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		if len(args) != 1 {
			sess.writeError("ERR wrong number of arguments")
			return
		}
		sess.subscription(verb, args[0])
	case "publish":
		if len(args) != 2 {
			sess.writeError("ERR wrong number of arguments for 'publish' command")
			return
		}
		sess.writeInt(int64(sess.s.Publish(args[0], args[1])))
	default:
		sess.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd[0]))
	}
}

func (sess *session) subscription(verb, name string) {
	sess.smu.Lock()
	switch verb {
	case "subscribe":
		sess.channels[name] = true
	case "unsubscribe":
		delete(sess.channels, name)
	case "psubscribe":
		sess.patterns[name] = true
	case "punsubscribe":
		delete(sess.patterns, name)
	}
	count := len(sess.channels) + len(sess.patterns)
	sess.smu.Unlock()
	sess.writeAck(verb, name, int64(count))
}

func (sess *session) deliver(channel, payload string) int {
	sess.smu.Lock()
	direct := sess.channels[channel]
	var patterns []string
	for p := range sess.patterns {
		if match(p, channel) {
			patterns = append(patterns, p)
		}
	}
	sess.smu.Unlock()

	n := 0
	if direct {
		sess.writePush("message", channel, payload)
		n++
	}
	for _, p := range patterns {
		sess.writePush("pmessage", p, channel, payload)
		n++
	}
	return n
}

func (sess *session) write(buf []byte) {
	if sess.s.muted() {
		return
	}
	sess.wmu.Lock()
	sess.c.Write(buf)
	sess.wmu.Unlock()
}

func (sess *session) writeStatus(v string) {
	sess.write([]byte("+" + v + "\r\n"))
}

func (sess *session) writeError(v string) {
	sess.write([]byte("-" + v + "\r\n"))
}

func (sess *session) writeInt(v int64) {
	sess.write([]byte(":" + strconv.FormatInt(v, 10) + "\r\n"))
}

func (sess *session) writeNil() {
	sess.write([]byte("$-1\r\n"))
}

func (sess *session) writeBulk(v []byte) {
	buf := append([]byte("$"+strconv.Itoa(len(v))+"\r\n"), v...)
	sess.write(append(buf, '\r', '\n'))
}

func (sess *session) writeAck(verb, name string, count int64) {
	buf := []byte("*3\r\n")
	buf = appendBulk(buf, verb)
	buf = appendBulk(buf, name)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, count, 10)
	sess.write(append(buf, '\r', '\n'))
}

func (sess *session) writePush(parts ...string) {
	buf := []byte("*" + strconv.Itoa(len(parts)) + "\r\n")
	for _, p := range parts {
		buf = appendBulk(buf, p)
	}
	sess.write(buf)
}

func appendBulk(buf []byte, v string) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(v)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, v...)
	return append(buf, '\r', '\n')
}
