// Package pool holds the sync.Pool backed allocators shared by the PDU engine
// and the cyclic loop.
package pool

import (
	"sync"
	"time"
)

// MaxFrameSize is the capacity of pooled frame buffers. It covers a full
// Ethernet payload (1500 bytes) plus the 14-byte Ethernet II header.
const MaxFrameSize = 1514

var (
	timerPool sync.Pool
	framePool = sync.Pool{
		New: func() any {
			buf := make([]byte, 0, MaxFrameSize)
			return &buf
		},
	}
)

// GetTimer returns a timer for the given duration d from the pool.
//
// Return back the timer to the pool with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer)
		if t.Reset(d) {
			// timer was active, drain the channel to prevent a stale fire
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}
	return time.NewTimer(d)
}

// PutTimer returns timer to the pool.
//
// t cannot be accessed after returning to the pool.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}

// GetFrame returns a zero-length buffer with MaxFrameSize capacity.
func GetFrame() *[]byte {
	buf, _ := framePool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// PutFrame returns buf to the pool. Buffers that grew beyond MaxFrameSize
// are dropped.
func PutFrame(buf *[]byte) {
	if buf == nil || cap(*buf) > MaxFrameSize {
		return
	}
	framePool.Put(buf)
}
