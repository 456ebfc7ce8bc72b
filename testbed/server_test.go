package testbed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	assert.True(t, match("*", "anything"))
	assert.True(t, match("news.*", "news.uk"))
	assert.True(t, match("news.*", "news."))
	assert.False(t, match("news.*", "new"))
	assert.True(t, match("h?llo", "hello"))
	assert.False(t, match("h?llo", "hllo"))
	assert.True(t, match("exact", "exact"))
	assert.False(t, match("exact", "exactly"))
	assert.True(t, match("a*c*e", "abcde"))
	assert.False(t, match("a*c*e", "abde"))
}
