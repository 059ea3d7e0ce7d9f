// Package transport provides the duplex frame channels the PDU engine is
// driven over.
//
// A Channel carries opaque frame payloads (the bytes following the Ethernet
// header). It owns no protocol state: sequence matching, timeouts and
// retries belong to the pdu package.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrChannelClosed is returned by Send and Recv after the channel was closed.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrFrameTooLarge is returned when a payload does not fit an Ethernet frame.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Channel is a duplex byte-frame interface bound to a network interface.
//
// Send and Recv may be called concurrently with each other, but at most one
// goroutine may call Send and at most one may call Recv at a time.
type Channel interface {
	// Send transmits one frame payload.
	Send(ctx context.Context, payload []byte) error
	// Recv blocks until a frame payload arrives or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the underlying interface. Blocked calls return ErrChannelClosed.
	Close() error
}

// Opener binds a Channel to the named network interface.
type Opener func(iface string) (Channel, error)

// pipeEnd is one end of an in-memory channel pair.
type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// NewPipe returns two connected in-memory channel ends. Frames sent on one end
// are received on the other. size is the number of frames buffered per
// direction. Closing either end closes both.
func NewPipe(size int) (Channel, Channel) {
	ab := make(chan []byte, size)
	ba := make(chan []byte, size)
	done := make(chan struct{})
	once := &sync.Once{}

	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, payload []byte) error {
	buf := append([]byte(nil), payload...)

	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}

	select {
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- buf:
		return nil
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case buf := <-p.in:
		return buf, nil
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
