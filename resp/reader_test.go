package resp_test

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"

	"github.com/joomcode/redisward/redis"
	. "github.com/joomcode/redisward/resp"
)

func lines2bufio(lines ...string) *bufio.Reader {
	buf := []byte(strings.Join(lines, ""))
	return bufio.NewReader(bytes.NewReader(buf))
}

func readLines(lines ...string) interface{} {
	return Read(lines2bufio(lines...))
}

func checkErr(t *testing.T, res interface{}, typ *errorx.Type) bool {
	if assert.IsType(t, (*errorx.Error)(nil), res) {
		return assert.True(t, res.(*errorx.Error).IsOfType(typ), "expected %s, got %s", typ, res)
	}
	return false
}

func TestRead_IOAndFormatErrors(t *testing.T) {
	checkErr(t, readLines(""), redis.ErrIO)
	checkErr(t, readLines("\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("$\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("/\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("+"+strings.Repeat("A", 1024*1024)+"\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines(":\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines(":1.1\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines(":a\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("$a\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("*a\r\n"), redis.ErrResponseFormat)
	checkErr(t, readLines("$0\r\n"), redis.ErrIO)
	checkErr(t, readLines("$1\r\n"), redis.ErrIO)
	checkErr(t, readLines("$1\r\na"), redis.ErrIO)
	checkErr(t, readLines("$1\r\nabc"), redis.ErrResponseFormat)

	// every hard error carries the fatal trait so the reader tears down
	res := readLines("/\r\n")
	assert.True(t, res.(*errorx.Error).HasTrait(redis.ErrTraitFatalToConnection))
}

func TestRead_Status(t *testing.T) {
	assert.Equal(t, "OK", readLines("+OK\r\n"))
	assert.Equal(t, "PONG", readLines("+PONG\r\n"))
	assert.Equal(t, "", readLines("+\r\n"))
}

func TestRead_ErrorReply(t *testing.T) {
	res := readLines("-ERR unknown command 'foo'\r\n")
	if checkErr(t, res, redis.ErrResult) {
		rerr := res.(*errorx.Error)
		assert.Equal(t, "ERR unknown command 'foo'", rerr.Message())
		// a server error reply fails one command, not the connection
		assert.False(t, rerr.HasTrait(redis.ErrTraitFatalToConnection))
	}
}

func TestRead_Int(t *testing.T) {
	assert.Equal(t, int64(0), readLines(":0\r\n"))
	assert.Equal(t, int64(1), readLines(":1\r\n"))
	assert.Equal(t, int64(-1), readLines(":-1\r\n"))
	assert.Equal(t, int64(9223372036854775807), readLines(":9223372036854775807\r\n"))
}

func TestRead_Bulk(t *testing.T) {
	assert.Nil(t, readLines("$-1\r\n"))
	assert.Equal(t, []byte{}, readLines("$0\r\n", "\r\n"))
	assert.Equal(t, []byte("asdf"), readLines("$4\r\n", "asdf\r\n"))
	assert.Equal(t, []byte("\r\n"), readLines("$2\r\n", "\r\n\r\n"))
}

func TestRead_Array(t *testing.T) {
	assert.Nil(t, readLines("*-1\r\n"))
	assert.Equal(t, []interface{}{}, readLines("*0\r\n"))
	assert.Equal(t,
		[]interface{}{"OK", int64(1), []byte("a"), nil},
		readLines("*4\r\n", "+OK\r\n", ":1\r\n", "$1\r\na\r\n", "$-1\r\n"))
	assert.Equal(t,
		[]interface{}{[]interface{}{[]byte("message"), []byte("ch"), []byte("pay")}},
		readLines("*1\r\n", "*3\r\n", "$7\r\nmessage\r\n", "$2\r\nch\r\n", "$3\r\npay\r\n"))
}

func TestRead_ArrayWithErrorElement(t *testing.T) {
	// a result error inside an array does not poison the array
	res := readLines("*2\r\n", "-OOPS\r\n", ":5\r\n")
	arr, ok := res.([]interface{})
	if assert.True(t, ok) && assert.Len(t, arr, 2) {
		checkErr(t, arr[0], redis.ErrResult)
		assert.Equal(t, int64(5), arr[1])
	}

	// an IO error inside an array does
	checkErr(t, readLines("*2\r\n", ":5\r\n"), redis.ErrIO)
}

func TestRead_SequentialFrames(t *testing.T) {
	r := lines2bufio("+OK\r\n", ":2\r\n", "$1\r\nx\r\n")
	assert.Equal(t, "OK", Read(r))
	assert.Equal(t, int64(2), Read(r))
	assert.Equal(t, []byte("x"), Read(r))
	checkErr(t, Read(r), redis.ErrIO)
}
