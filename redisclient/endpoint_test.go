package redisclient_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/joomcode/redisward/redisclient"
)

func TestParseURL(t *testing.T) {
	ep, err := ParseURL("redis://localhost")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "localhost", Port: 6379}, ep)
	assert.Equal(t, "localhost:6379", ep.Addr())

	ep, err = ParseURL("redis://example.com:6390/9")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "example.com", Port: 6390, DB: 9}, ep)

	ep, err = ParseURL("redis://:sekret@example.com")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "example.com", Port: 6379, Password: "sekret"}, ep)

	ep, err = ParseURL("redis://localhost/")
	assert.NoError(t, err)
	assert.Equal(t, 0, ep.DB)
}

func TestParseURL_Errors(t *testing.T) {
	_, err := ParseURL("http://localhost")
	assert.Error(t, err)

	_, err = ParseURL("redis://localhost/16")
	assert.Error(t, err)

	_, err = ParseURL("redis://localhost/-1")
	assert.Error(t, err)

	_, err = ParseURL("redis://localhost/db")
	assert.Error(t, err)
}
