// Package pool provides reusable I/O buffers for the copy loops of the
// archive writer, the local uploader and the remote-file ingestor.
package pool

import (
	"io"
	"sync"
)

// DefaultBufferSize is used when a caller passes a size <= 0.
const DefaultBufferSize int64 = 256 * 1024

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer returns a pool of size-byte buffers.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the buffer size handed out by Get.
func (fp *FixedBufferPool) Size() int64 { return fp.size }

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only put it back if it's the right size.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}

// Copy is io.CopyBuffer with a pooled buffer.
func (fp *FixedBufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := fp.Get()
	defer fp.Put(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}
