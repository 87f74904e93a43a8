package virtq

import "sync/atomic"

var barrierDummy int64

// fence is a full memory barrier separating ring slot writes from the index
// updates that publish them, and index reads from the ring slot reads that
// follow. An atomic read-modify-write has sequentially consistent ordering
// on every architecture Go supports.
func fence() {
	atomic.AddInt64(&barrierDummy, 0)
}
