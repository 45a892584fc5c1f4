package optimize

import (
	"sync"
)

// DefaultPacketSize fits one RTP or RTCP packet on a standard Ethernet MTU.
const DefaultPacketSize = 1500

// BytePool recycles fixed-size packet buffers between the RTP read and
// forward loops.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of size-byte buffers. A size <= 0 means
// DefaultPacketSize.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultPacketSize
	}
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer handed out.
func (p *BytePool) Size() int { return p.size }

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns b to the pool. Buffers smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
