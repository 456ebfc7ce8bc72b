package resp

import (
	"strconv"

	"github.com/joomcode/redisward/redis"
)

// AppendRequest appends the RESP encoding of req to buf: `*N\r\n`
// followed by N bulk strings, each `$len\r\n<bytes>\r\n`. The command and
// every argument are sent as bulk strings; lengths are byte lengths.
// Arguments of an unsupported type fail with ErrInvalidArgument.
func AppendRequest(buf []byte, req redis.Request) ([]byte, error) {
	buf = appendHead(buf, '*', int64(len(req.Args)+1))
	buf = appendHead(buf, '$', int64(len(req.Cmd)))
	buf = append(buf, req.Cmd...)
	buf = append(buf, '\r', '\n')
	for _, val := range req.Args {
		switch v := val.(type) {
		case string:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case []byte:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case int:
			buf = appendBulkInt(buf, int64(v))
		case int8:
			buf = appendBulkInt(buf, int64(v))
		case int16:
			buf = appendBulkInt(buf, int64(v))
		case int32:
			buf = appendBulkInt(buf, int64(v))
		case int64:
			buf = appendBulkInt(buf, v)
		case uint:
			buf = appendBulkInt(buf, int64(v))
		case uint8:
			buf = appendBulkInt(buf, int64(v))
		case uint16:
			buf = appendBulkInt(buf, int64(v))
		case uint32:
			buf = appendBulkInt(buf, int64(v))
		case uint64:
			buf = appendBulkInt(buf, int64(v))
		case bool:
			if v {
				buf = append(buf, "$1\r\n1"...)
			} else {
				buf = append(buf, "$1\r\n0"...)
			}
		case float32:
			str := strconv.FormatFloat(float64(v), 'f', -1, 32)
			buf = appendHead(buf, '$', int64(len(str)))
			buf = append(buf, str...)
		case float64:
			str := strconv.FormatFloat(v, 'f', -1, 64)
			buf = appendHead(buf, '$', int64(len(str)))
			buf = append(buf, str...)
		case nil:
			buf = append(buf, "$0\r\n"...)
		default:
			return nil, redis.ErrInvalidArgument.New("argument type %T is not supported", val)
		}
		buf = append(buf, '\r', '\n')
	}
	return buf, nil
}

func appendInt(b []byte, i int64) []byte {
	if i == 0 {
		return append(b, '0')
	}
	var u uint64
	if i > 0 {
		u = uint64(i)
	} else {
		b = append(b, '-')
		u = uint64(-i)
	}
	digits := [20]byte{}
	p := len(digits)
	for u > 0 {
		n := u / 10
		p--
		digits[p] = byte(u-n*10) + '0'
		u = n
	}
	return append(b, digits[p:]...)
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = appendInt(b, i)
	return append(b, '\r', '\n')
}

func appendBulkInt(b []byte, i int64) []byte {
	digits := strconv.FormatInt(i, 10)
	b = appendHead(b, '$', int64(len(digits)))
	return append(b, digits...)
}
