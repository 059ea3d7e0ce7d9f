package pdu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/pool"
	"github.com/arloliu/go-ecat/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// Engine is the PDU dispatch table. It is safe for concurrent use.
type Engine struct {
	cfg    engineConfig
	logger logger.Logger

	pending *xsync.MapOf[uint8, *Pending]
	outbox  chan *outgoing
	nextIdx atomic.Uint32
	split   atomic.Bool
	state   atomicDriverState
	// epoch increases every time a driver starts. Frames queued under an
	// older epoch are never transmitted.
	epoch atomic.Uint64

	metrics Metrics
}

// outgoing is an encoded frame waiting for the driver.
type outgoing struct {
	pending *Pending
	buf     *[]byte
	epoch   uint64
}

// NewEngine creates an Engine. Frames are only exchanged while a Driver
// owns the engine's Halves.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := engineConfig{
		maxInflight:     defaultMaxInflight,
		responseTimeout: defaultResponseTimeout,
		logger:          logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(&cfg); err != nil {
			return nil, err
		}
	}

	return &Engine{
		cfg:     cfg,
		logger:  cfg.logger.With("component", "pdu"),
		pending: xsync.NewMapOf[uint8, *Pending](),
		outbox:  make(chan *outgoing, cfg.maxInflight),
	}, nil
}

// Split hands out the transmit/receive halves of the engine. It succeeds once.
func (e *Engine) Split() (*Halves, error) {
	if !e.split.CompareAndSwap(false, true) {
		return nil, ErrAlreadySplit
	}

	return &Halves{
		Tx:     &TxHandle{engine: e},
		Rx:     &RxHandle{engine: e},
		engine: e,
	}, nil
}

// ResponseTimeout returns the per-request response timeout.
func (e *Engine) ResponseTimeout() time.Duration { return e.cfg.responseTimeout }

// MaxInflight returns the maximum number of outstanding requests.
func (e *Engine) MaxInflight() int { return e.cfg.maxInflight }

// DriverState returns the state of the I/O task bound to the engine.
func (e *Engine) DriverState() DriverState { return e.state.Get() }

// GetMetrics returns the metrics of the engine.
func (e *Engine) GetMetrics() *Metrics { return &e.metrics }

// SendRequest queues d and returns a handle resolving to its response.
//
// The index of d is assigned by the engine. SendRequest fails with
// ErrNotDriven when no driver is running and with ErrInflightFull when every
// index is in use.
func (e *Engine) SendRequest(ctx context.Context, d frame.Datagram) (*Pending, error) {
	epoch := e.epoch.Load()
	if !e.state.IsRunning() {
		return nil, ErrNotDriven
	}

	return e.enqueue(ctx, d, epoch)
}

// enqueue registers d and queues it for the driver of epoch.
func (e *Engine) enqueue(ctx context.Context, d frame.Datagram, epoch uint64) (*Pending, error) {
	p, err := e.register(d)
	if err != nil {
		return nil, err
	}

	buf := pool.GetFrame()
	d.Index = p.index
	*buf, err = frame.AppendEncode(*buf, d)
	if err != nil {
		pool.PutFrame(buf)
		e.unregister(p)
		return nil, err
	}

	select {
	case e.outbox <- &outgoing{pending: p, buf: buf, epoch: epoch}:
		return p, nil
	case <-ctx.Done():
		pool.PutFrame(buf)
		e.unregister(p)
		return nil, ctx.Err()
	}
}

// Do sends d and waits for its response.
func (e *Engine) Do(ctx context.Context, d frame.Datagram) (frame.Datagram, error) {
	p, err := e.SendRequest(ctx, d)
	if err != nil {
		return frame.Datagram{}, err
	}

	return p.Wait(ctx)
}

// register reserves a free index for a new pending request.
func (e *Engine) register(d frame.Datagram) (*Pending, error) {
	if e.pending.Size() >= e.cfg.maxInflight {
		return nil, ErrInflightFull
	}

	p := &Pending{
		engine:  e,
		command: d.Command,
		dataLen: len(d.Data),
		timeout: e.cfg.responseTimeout,
		done:    make(chan struct{}),
	}

	for range MaxInflightLimit {
		idx := uint8(e.nextIdx.Add(1))
		if _, loaded := e.pending.LoadOrStore(idx, p); !loaded {
			p.index = idx
			e.metrics.incInflight()

			return p, nil
		}
	}

	return nil, ErrInflightFull
}

// unregister removes p from the dispatch table if it still owns its index.
func (e *Engine) unregister(p *Pending) bool {
	removed := false
	e.pending.Compute(p.index, func(cur *Pending, loaded bool) (*Pending, bool) {
		if loaded && cur == p {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if removed {
		e.metrics.decInflight()
	}

	return removed
}

// deliver matches a received frame to its pending request.
func (e *Engine) deliver(payload []byte) {
	e.metrics.incFramesRecv()

	d, err := frame.Decode(payload)
	if err != nil {
		e.metrics.incDecodeErrors()
		e.logger.Warn("failed to decode frame", "error", err, "len", len(payload))
		return
	}

	p, ok := e.pending.Load(d.Index)
	if !ok || p.command != d.Command || p.dataLen != len(d.Data) {
		e.metrics.incUnmatched()
		if e.logger.Level() == logger.DebugLevel {
			e.logger.Debug("unmatched frame", "index", d.Index, "command", d.Command, "len", len(d.Data))
		}
		return
	}

	if !e.unregister(p) {
		e.metrics.incUnmatched()
		return
	}

	d.Data = append([]byte(nil), d.Data...)
	p.resolve(d, nil)
}

// discard drops a queued frame and resolves its request with err.
func (e *Engine) discard(out *outgoing, err error) {
	pool.PutFrame(out.buf)
	if e.unregister(out.pending) {
		out.pending.resolve(frame.Datagram{}, err)
	}
}

// cancelAll resolves every outstanding request with err and drains the outbox.
func (e *Engine) cancelAll(err error) {
drain:
	for {
		select {
		case out := <-e.outbox:
			e.discard(out, err)
		default:
			break drain
		}
	}

	e.pending.Range(func(_ uint8, p *Pending) bool {
		if e.unregister(p) {
			p.resolve(frame.Datagram{}, err)
		}
		return true
	})
}

// Pending is an outstanding request.
type Pending struct {
	engine  *Engine
	index   uint8
	command frame.Command
	dataLen int
	timeout time.Duration

	once sync.Once
	done chan struct{}
	resp frame.Datagram
	err  error
}

// Index returns the datagram index assigned to the request.
func (p *Pending) Index() uint8 { return p.index }

// Wait blocks until the response arrives, the response timeout expires
// (ErrTimeout), the driver stops (ErrCancelled) or ctx is done.
func (p *Pending) Wait(ctx context.Context) (frame.Datagram, error) {
	timer := pool.GetTimer(p.timeout)
	defer pool.PutTimer(timer)

	select {
	case <-p.done:
		return p.resp, p.err

	case <-timer.C:
		if p.engine.unregister(p) {
			p.engine.metrics.incTimeouts()
			p.resolve(frame.Datagram{}, ErrTimeout)
		}
		<-p.done

		return p.resp, p.err

	case <-ctx.Done():
		if p.engine.unregister(p) {
			p.resolve(frame.Datagram{}, ctx.Err())
		}
		<-p.done

		return p.resp, p.err
	}
}

// Done returns a channel closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) resolve(d frame.Datagram, err error) {
	p.once.Do(func() {
		p.resp = d
		p.err = err
		close(p.done)
	})
}
