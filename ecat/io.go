package ecat

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/internal/pool"
)

// request sends d and checks that expected SubDevices served it.
func (l *Link) request(ctx context.Context, d frame.Datagram, expected uint16) (frame.Datagram, error) {
	resp, err := l.Do(ctx, d)
	if err != nil {
		return resp, err
	}
	if resp.WKC != expected {
		return resp, &WorkingCounterError{Command: d.Command.String(), Expected: expected, Actual: resp.WKC}
	}

	return resp, nil
}

func (l *Link) fprd(ctx context.Context, addr uint16, reg uint16, n int) ([]byte, error) {
	resp, err := l.request(ctx, frame.Datagram{
		Command: frame.FPRD,
		Address: frame.PhysicalAddress(addr, reg),
		Data:    make([]byte, n),
	}, 1)
	if err != nil {
		return nil, err
	}

	return resp.Data, nil
}

func (l *Link) fpwr(ctx context.Context, addr uint16, reg uint16, data []byte) error {
	_, err := l.request(ctx, frame.Datagram{
		Command: frame.FPWR,
		Address: frame.PhysicalAddress(addr, reg),
		Data:    data,
	}, 1)

	return err
}

// requestState writes target to the AL control register of sd and polls its
// AL status until the state is reached, the device refuses, or the mailbox
// timeout expires.
func (l *Link) requestState(ctx context.Context, sd *SubDevice, target esc.ALState) error {
	cfg := l.master.cfg

	if err := l.fpwr(ctx, sd.address, esc.ALControl, binary.LittleEndian.AppendUint16(nil, uint16(target))); err != nil {
		return err
	}

	deadline := time.Now().Add(cfg.mailboxTimeout)
	for {
		// AL status, reserved, AL status code
		data, err := l.fprd(ctx, sd.address, esc.ALStatus, 6)
		if err != nil {
			return err
		}

		status := esc.ALState(data[0])
		if status.HasError() {
			return &ALStatusError{State: status, Code: binary.LittleEndian.Uint16(data[4:])}
		}
		if status.State() == target {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStateTimeout
		}

		if err := sleep(ctx, cfg.loopDelay); err != nil {
			return err
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
