package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBuffersAreSized(t *testing.T) {
	p := NewPool(4096)

	buf := p.Get()
	assert.Equal(t, 4096, len(buf.B))
	p.Put(buf)

	again := p.Get()
	assert.Equal(t, 4096, len(again.B))
	p.Put(again)
}

func TestWindowKeepsMostRecentBytes(t *testing.T) {
	w := NewWindow(8)

	w.Write([]byte("abcd"))
	assert.Equal(t, []byte("abcd"), w.PeekRecent(16))

	w.Write([]byte("efgh"))
	assert.Equal(t, []byte("abcdefgh"), w.PeekRecent(16))

	// Overflow: only the newest 8 bytes survive.
	w.Write([]byte("ij"))
	assert.Equal(t, []byte("cdefghij"), w.PeekRecent(16))
}

func TestWindowPeekLimit(t *testing.T) {
	w := NewWindow(16)
	w.Write([]byte("0123456789"))

	assert.Equal(t, []byte("6789"), w.PeekRecent(4))
}

func TestWindowEmptyPeek(t *testing.T) {
	w := NewWindow(16)
	assert.Nil(t, w.PeekRecent(8))
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(16)
	w.Write([]byte("data"))
	require.NotNil(t, w.PeekRecent(16))

	w.Reset()
	assert.Nil(t, w.PeekRecent(16))
	assert.Equal(t, int64(0), w.WritePosition())
}

func TestWindowClosedIsInert(t *testing.T) {
	w := NewWindow(16)
	w.Write([]byte("data"))
	w.Close()

	assert.True(t, w.Closed())
	assert.Nil(t, w.PeekRecent(16))

	// Writes after close are dropped without panicking.
	w.Write(bytes.Repeat([]byte{1}, 32))
	assert.Nil(t, w.PeekRecent(16))

	w.Close() // idempotent
}

func TestWindowWritePosition(t *testing.T) {
	w := NewWindow(4)
	w.Write([]byte("abcdef"))
	assert.Equal(t, int64(6), w.WritePosition())
}
