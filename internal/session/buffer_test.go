package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferRoundTrip(t *testing.T) {
	b := NewOutputBuffer(16)

	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	assert.Equal(t, "hello world", string(b.Snapshot()))
	assert.Equal(t, 11, b.Len())

	// Snapshot does not consume.
	assert.Equal(t, "hello world", string(b.Snapshot()))
}

func TestOutputBufferEvictsOldest(t *testing.T) {
	b := NewOutputBuffer(8)

	b.Write([]byte("abcdefgh"))
	b.Write([]byte("ij"))

	assert.Equal(t, "cdefghij", string(b.Snapshot()))
	assert.Equal(t, 8, b.Len())
}

func TestOutputBufferEmpty(t *testing.T) {
	b := NewOutputBuffer(8)
	assert.Nil(t, b.Snapshot())
	assert.Equal(t, 0, b.Len())
}

func TestOutputBufferLargeWrite(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Write([]byte("0123456789"))
	assert.Equal(t, "6789", string(b.Snapshot()))
}
