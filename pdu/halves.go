package pdu

import (
	"context"

	"github.com/arloliu/go-ecat/internal/pool"
)

// Halves is the transmit handle, the receive handle and the dispatch table of
// an Engine. At any time the halves are either parked in a Registry or owned
// by exactly one running Driver.
type Halves struct {
	Tx     *TxHandle
	Rx     *RxHandle
	engine *Engine
}

// Engine returns the dispatch table the halves belong to.
func (h *Halves) Engine() *Engine { return h.engine }

// TxHandle yields frames queued by SendRequest.
type TxHandle struct {
	engine *Engine
}

// Next blocks until a frame is queued or ctx is done. The returned release
// function must be called once the frame was handed to the channel.
// Frames queued for a previous driver are cancelled instead of returned.
func (tx *TxHandle) Next(ctx context.Context) ([]byte, *Pending, func(), error) {
	e := tx.engine
	for {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case out := <-e.outbox:
			if out.epoch != e.epoch.Load() {
				e.metrics.incStale()
				e.discard(out, ErrCancelled)
				continue
			}

			return *out.buf, out.pending, func() { pool.PutFrame(out.buf) }, nil
		}
	}
}

// Fail resolves p with err, used when the channel rejected its frame.
func (tx *TxHandle) Fail(p *Pending, err error) {
	tx.engine.metrics.incSendErrors()
	if tx.engine.unregister(p) {
		p.resolve(p.resp, err)
	}
}

// Sent records a frame handed to the channel.
func (tx *TxHandle) Sent() {
	tx.engine.metrics.incFramesSent()
}

// RxHandle delivers received frames to the dispatch table.
type RxHandle struct {
	engine *Engine
}

// Deliver matches payload to its pending request by datagram index.
// Frames without a matching request are counted and dropped.
func (rx *RxHandle) Deliver(payload []byte) {
	rx.engine.deliver(payload)
}
