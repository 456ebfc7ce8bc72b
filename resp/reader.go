package resp

import (
	"bufio"
	"io"

	"github.com/joomcode/errorx"

	"github.com/joomcode/redisward/redis"
)

// Read consumes exactly one reply from b and returns it decoded:
// status string -> string, error reply -> *errorx.Error of type
// redis.ErrResult (server message verbatim), integer -> int64,
// bulk string -> []byte (nil bulk -> nil), array -> []interface{}
// (nil array -> nil), recursively.
//
// IO and framing problems are returned as errors carrying the
// fatal-to-connection trait. Partial input simply blocks inside the
// bufio.Reader, so the reader restarts cleanly at frame boundaries.
func Read(b *bufio.Reader) interface{} {
	line, isPrefix, err := b.ReadLine()
	if err != nil {
		return redis.ErrIO.WrapWithNoMessage(err)
	}

	if isPrefix {
		return redis.ErrResponseFormat.New("header line too large")
	}

	if len(line) == 0 {
		return redis.ErrResponseFormat.New("header line is empty")
	}

	var v int64
	switch line[0] {
	case '+':
		return string(line[1:])
	case '-':
		return redis.ErrResult.New(string(line[1:]))
	case ':':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		return v
	case '$':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		buf := make([]byte, v+2)
		if _, err = io.ReadFull(b, buf); err != nil {
			return redis.ErrIO.WrapWithNoMessage(err)
		}
		if buf[v] != '\r' || buf[v+1] != '\n' {
			return redis.ErrResponseFormat.New("no final \\r\\n after bulk string")
		}
		return buf[:v:v]
	case '*':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		result := make([]interface{}, v)
		for i := int64(0); i < v; i++ {
			result[i] = Read(b)
			if e, ok := result[i].(*errorx.Error); ok && e.HasTrait(redis.ErrTraitFatalToConnection) {
				return e
			}
		}
		return result
	default:
		return redis.ErrResponseFormat.New("unknown header type %q", line[0])
	}
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, redis.ErrResponseFormat.New("integer is empty")
	}
	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
	}
	if len(buf) == 0 {
		return 0, redis.ErrResponseFormat.New("integer is malformed")
	}
	v := int64(0)
	for _, b := range buf {
		if b < '0' || b > '9' {
			return 0, redis.ErrResponseFormat.New("integer is malformed")
		}
		v *= 10
		v += int64(b - '0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
