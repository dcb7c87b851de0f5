package proxy

import (
	"io"
	"sync"
	"sync/atomic"
)

// countingReadCloser wraps a body and tracks how many bytes passed through.
type countingReadCloser struct {
	inner io.ReadCloser
	n     atomic.Int64
}

func newCountingReadCloser(inner io.ReadCloser) *countingReadCloser {
	return &countingReadCloser{inner: inner}
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}

func (c *countingReadCloser) Close() error {
	return c.inner.Close()
}

// Bytes returns the number of bytes read so far.
func (c *countingReadCloser) Bytes() int64 {
	return c.n.Load()
}

// bufferPool hands out reusable stream-copy chunks.
type bufferPool struct {
	pool *sync.Pool
	size int
}

func newBufferPool(chunkSize int, enabled bool) *bufferPool {
	if chunkSize <= 0 {
		chunkSize = 32768
	}
	bp := &bufferPool{size: chunkSize}
	if enabled {
		bp.pool = &sync.Pool{
			New: func() any { return make([]byte, chunkSize) },
		}
	}
	return bp
}

func (b *bufferPool) get() []byte {
	if b.pool == nil {
		return make([]byte, b.size)
	}
	return b.pool.Get().([]byte)
}

func (b *bufferPool) put(buf []byte) {
	if b.pool != nil && len(buf) == b.size {
		b.pool.Put(buf)
	}
}
