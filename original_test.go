//go:build amd64

package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginal(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("a", Original(a)())

	fn := a
	hookFunc(t, &fn, b)

	assert.Equal("b", a())
	assert.Equal("a", Original(a)())

	// Already the original.
	assert.Equal("a", Original(fn)())
}

func TestOriginal_NotAFunction(t *testing.T) {
	assert.Equal(t, 5, Original(5))

	var fn func() string
	assert.Nil(t, Original(fn))
}
