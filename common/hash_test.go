package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash64IsStable(t *testing.T) {
	a := Hash64([]byte("block"))
	assert.Equal(t, a, Hash64([]byte("block")))
	assert.NotEqual(t, a, Hash64([]byte("blocl")))
	assert.NotEqual(t, Hash64(nil), Hash64([]byte{0}))
}

func TestFastHash(t *testing.T) {
	assert.Equal(t, uint64(0xef46db3751d8e999), FastHash(nil))
	assert.Equal(t, FastHash([]byte{1, 0, 0, 0, 0, 0, 0, 0}), FastHashUint64(1))
	assert.NotEqual(t, FastHashUint64(1), FastHashUint64(2))
}

func TestColorize(t *testing.T) {
	assert.Equal(t, "x", Colorize(false, ColorRed, "x"))
	assert.Equal(t, "\033[31mx\033[0m", Colorize(true, ColorRed, "x"))
}
