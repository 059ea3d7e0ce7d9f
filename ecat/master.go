package ecat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/pdu"
	"github.com/arloliu/go-ecat/transport"
)

// Master discovers SubDevices on a segment and creates groups from them.
//
// The master borrows the transport from its registry for every scan and
// every link; it never holds the transport between operations.
type Master struct {
	cfg      *Config
	registry *pdu.Registry
	logger   logger.Logger

	mu       sync.Mutex
	devices  []SubDeviceInfo
	lastScan *Summary
}

// NewMaster creates a master borrowing its transport from registry.
func NewMaster(registry *pdu.Registry, opts ...Option) (*Master, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}

	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Master{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.logger.With("component", "master"),
	}, nil
}

// Config returns the master configuration.
func (m *Master) Config() *Config { return m.cfg }

// Metrics returns the counters of the engine the master sends through.
func (m *Master) Metrics() *pdu.Metrics { return m.registry.Engine().GetMetrics() }

// Attach leases the transport, opens iface and starts a driver on it.
//
// It fails with ErrTransportBusy while another scan or link holds the
// transport. The returned link must be closed to release the lease.
func (m *Master) Attach(ctx context.Context, iface string) (*Link, error) {
	lease, err := m.registry.Acquire()
	if err != nil {
		return nil, err
	}

	ch, err := m.cfg.opener(iface)
	if err != nil {
		m.releaseLease(lease, lease.Halves())
		return nil, err
	}

	l := m.logger.With("interface", iface)
	driver, err := pdu.StartDriver(ctx, ch, lease.Halves(), l)
	if err != nil {
		_ = ch.Close()
		m.releaseLease(lease, lease.Halves())
		return nil, err
	}

	l.Debug("link attached")

	return &Link{
		master: m,
		iface:  iface,
		lease:  lease,
		driver: driver,
		ch:     ch,
		logger: l,
	}, nil
}

// WithTransport attaches iface, runs fn and closes the link on every exit path.
func (m *Master) WithTransport(ctx context.Context, iface string, fn func(*Link) error) (err error) {
	link, err := m.Attach(ctx, iface)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := link.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(link)
}

func (m *Master) releaseLease(lease *pdu.Lease, h *pdu.Halves) {
	if err := lease.Release(h); err != nil {
		m.logger.Error("failed to release transport lease", "error", err)
	}
}

// Link is an attached transport: a leased engine driven over an open channel.
type Link struct {
	master *Master
	iface  string
	lease  *pdu.Lease
	driver *pdu.Driver
	ch     transport.Channel
	logger logger.Logger

	closed   atomic.Bool
	closeErr error
	once     sync.Once
}

// Interface returns the name of the attached interface.
func (l *Link) Interface() string { return l.iface }

// Master returns the master the link belongs to.
func (l *Link) Master() *Master { return l.master }

// Do sends d and waits for its response.
func (l *Link) Do(ctx context.Context, d frame.Datagram) (frame.Datagram, error) {
	if l.closed.Load() {
		return frame.Datagram{}, ErrLinkClosed
	}

	return l.lease.Halves().Engine().Do(ctx, d)
}

// Close stops the driver, closes the channel and releases the lease.
// Outstanding requests resolve to pdu.ErrCancelled. Close is idempotent.
func (l *Link) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)

		h, err := l.driver.Stop()
		if err != nil {
			h = l.lease.Halves()
		}
		if err := l.ch.Close(); err != nil {
			l.logger.Warn("failed to close channel", "error", err)
		}
		l.closeErr = l.lease.Release(h)
		l.logger.Debug("link closed")
	})

	return l.closeErr
}
