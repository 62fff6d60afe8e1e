package buffer

import "sync"

// ScratchSize is the size of pooled scratch buffers. Sized for the copy
// loop that drains websocket frames (most gateway frames fit in one
// chunk).
const ScratchSize = 16 * 1024

// Pool provides reusable scratch buffers for frame decode paths
var Pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, ScratchSize)
	},
}

// Get retrieves a scratch buffer from the pool
func Get() []byte {
	return Pool.Get().([]byte)
}

// Put returns a scratch buffer to the pool. Undersized buffers (from a
// caller that sliced the buffer down) are dropped rather than recycled.
func Put(buf []byte) {
	if cap(buf) >= ScratchSize {
		Pool.Put(buf[:cap(buf)])
	}
}
