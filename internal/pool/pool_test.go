package pool

import (
	"bytes"
	"testing"
)

func TestBufferReset(t *testing.T) {
	b := GetBuffer()
	b.WriteString("frame")
	PutBuffer(b)

	b = GetBuffer()
	if b.Len() != 0 {
		t.Fatalf("pooled buffer not reset: %q", b.String())
	}
	PutBuffer(b)
}

func TestOversizedBufferDropped(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, MaxPooledBufSize+1))
	PutBuffer(big) // must not panic or keep the buffer
	PutBuffer(nil)
}
