package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_ResetsBuffers(t *testing.T) {
	pool := NewBufferPool(64, 1024)

	buf := pool.Get()
	assert.Equal(t, 0, buf.Len())
	buf.WriteString("frame")
	pool.Put(buf)

	again := pool.Get()
	assert.Equal(t, 0, again.Len())
}

func TestBufferPool_DropsOversized(t *testing.T) {
	pool := NewBufferPool(8, 16)
	buf := pool.Get()
	buf.Write(make([]byte, 64))
	pool.Put(buf)
	pool.Put(nil)

	assert.LessOrEqual(t, pool.Get().Cap(), 64)
}
