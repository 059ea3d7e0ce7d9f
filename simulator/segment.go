// Package simulator provides an in-memory segment of SubDevices that serves
// datagrams like a physical segment would. It implements transport.Channel
// and is used by tests and the --simulate mode of ecdiag.
package simulator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/transport"
)

// rxBufferSize is the number of responses buffered per port.
const rxBufferSize = 64

// Segment is a simulated chain of SubDevices.
type Segment struct {
	mu      sync.Mutex
	devices []*device
	logger  logger.Logger

	dropFn  func(frame.Datagram) bool
	delayFn func(frame.Datagram) time.Duration
	openErr error

	counts  [256]atomic.Uint64
	dropped atomic.Uint64
}

// New builds a segment from devices in chain order.
func New(l logger.Logger, devices ...Device) (*Segment, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	s := &Segment{logger: l.With("component", "simulator")}
	for i, spec := range devices {
		d, err := newDevice(spec, i)
		if err != nil {
			return nil, err
		}
		s.devices = append(s.devices, d)
	}

	return s, nil
}

// SetDrop installs a predicate selecting request datagrams that get no response.
func (s *Segment) SetDrop(fn func(frame.Datagram) bool) {
	s.mu.Lock()
	s.dropFn = fn
	s.mu.Unlock()
}

// SetDelay installs a function returning the response latency of a datagram.
func (s *Segment) SetDelay(fn func(frame.Datagram) time.Duration) {
	s.mu.Lock()
	s.delayFn = fn
	s.mu.Unlock()
}

// SetOpenError makes Open fail with err. A nil err restores normal behavior.
func (s *Segment) SetOpenError(err error) {
	s.mu.Lock()
	s.openErr = err
	s.mu.Unlock()
}

// Count returns the number of request datagrams received with cmd.
func (s *Segment) Count(cmd frame.Command) uint64 {
	return s.counts[cmd].Load()
}

// Dropped returns the number of requests that got no response.
func (s *Segment) Dropped() uint64 { return s.dropped.Load() }

// State returns the AL state of the device at position.
func (s *Segment) State(position int) esc.ALState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.devices[position].state()
}

// Open returns a new channel attached to the segment. It matches transport.Opener;
// the interface name is ignored.
func (s *Segment) Open(iface string) (transport.Channel, error) {
	s.mu.Lock()
	err := s.openErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Debug("port opened", "interface", iface)

	return &port{
		seg:    s,
		rx:     make(chan []byte, rxBufferSize),
		closed: make(chan struct{}),
	}, nil
}

// serve processes one request frame. It returns the response frame and its
// latency, or ok false when the request is dropped.
func (s *Segment) serve(payload []byte) (resp []byte, delay time.Duration, ok bool) {
	d, err := frame.Decode(payload)
	if err != nil {
		s.logger.Warn("undecodable frame", "error", err)
		return nil, 0, false
	}
	d.Data = append([]byte(nil), d.Data...)
	s.counts[d.Command].Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropFn != nil && s.dropFn(d) {
		s.dropped.Add(1)
		return nil, 0, false
	}
	if s.delayFn != nil {
		delay = s.delayFn(d)
	}

	s.process(&d)

	resp, err = frame.Encode(d)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return nil, 0, false
	}

	return resp, delay, true
}

// process passes d through every device in chain order.
func (s *Segment) process(d *frame.Datagram) {
	switch d.Command {
	case frame.BRD:
		for _, dev := range s.devices {
			buf := make([]byte, len(d.Data))
			if dev.read(d.Register(), buf) {
				for i := range buf {
					d.Data[i] |= buf[i]
				}
				d.WKC++
			}
		}

	case frame.BWR:
		for _, dev := range s.devices {
			if dev.write(d.Register(), d.Data) {
				d.WKC++
			}
		}

	case frame.APRD, frame.APWR:
		// position addressing: the device whose auto-increment reaches zero serves it
		for i, dev := range s.devices {
			if d.Station()+uint16(i) != 0 {
				continue
			}
			if s.physical(dev, d) {
				d.WKC++
			}
		}

	case frame.FPRD, frame.FPWR:
		for _, dev := range s.devices {
			if dev.address() == d.Station() && s.physical(dev, d) {
				d.WKC++
			}
		}

	case frame.FRMW:
		for _, dev := range s.devices {
			if dev.address() == d.Station() {
				dev.sysTime += uint64(time.Millisecond)
				if dev.read(d.Register(), d.Data) {
					d.WKC++
				}

				continue
			}
			if d.Register() == esc.DCSystemTime {
				dev.adjustClock()
			}
			if dev.write(d.Register(), d.Data) {
				d.WKC++
			}
		}

	case frame.LRD, frame.LWR, frame.LRW:
		for _, dev := range s.devices {
			d.WKC += dev.exchange(d.Command, d.Address, d.Data)
		}
	}
}

func (s *Segment) physical(dev *device, d *frame.Datagram) bool {
	switch d.Command {
	case frame.APRD, frame.FPRD:
		return dev.read(d.Register(), d.Data)
	default:
		return dev.write(d.Register(), d.Data)
	}
}

// port is one open channel on a segment.
type port struct {
	seg    *Segment
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

var _ transport.Channel = (*port)(nil)

func (p *port) Send(ctx context.Context, payload []byte) error {
	select {
	case <-p.closed:
		return transport.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	resp, delay, ok := p.seg.serve(payload)
	if !ok {
		return nil
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { p.push(resp) })
		return nil
	}
	p.push(resp)

	return nil
}

func (p *port) push(resp []byte) {
	select {
	case p.rx <- resp:
	case <-p.closed:
	default:
		p.seg.dropped.Add(1)
	}
}

func (p *port) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, transport.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-p.rx:
		return resp, nil
	}
}

func (p *port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
