package pool

import (
	"bytes"
	"sync"
)

// Buffers larger than this are dropped instead of returned to the pool so a
// single large frame does not pin memory.
const MaxPooledBufSize = 64 << 10

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer returns an empty buffer from the pool.
func GetBuffer() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

// PutBuffer returns b to the pool.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxPooledBufSize {
		return
	}
	b.Reset()
	bufPool.Put(b)
}
