package pdu

import (
	"context"
	"errors"
	"sync"

	"github.com/arloliu/go-ecat/internal/task"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/transport"
)

// Driver is the background I/O task pumping an engine over a channel.
type Driver struct {
	halves  *Halves
	ch      transport.Channel
	taskMgr *task.Manager
	logger  logger.Logger

	stopOnce sync.Once
}

// StartDriver binds h to ch and starts the sender and receiver tasks.
//
// It fails with ErrDriverRunning when another driver already owns h.
func StartDriver(ctx context.Context, ch transport.Channel, h *Halves, l logger.Logger) (*Driver, error) {
	if h == nil || h.engine == nil {
		return nil, ErrForeignHalves
	}

	e := h.engine
	if !e.state.ToStarting() {
		return nil, ErrDriverRunning
	}

	if l == nil {
		l = e.logger
	}

	// frames queued after the previous driver drained its outbox belong to
	// another lease holder
	e.epoch.Add(1)
	e.cancelAll(ErrCancelled)

	d := &Driver{
		halves:  h,
		ch:      ch,
		taskMgr: task.NewManager(ctx, l),
		logger:  l,
	}

	if err := d.taskMgr.Start("pdu-tx", d.sendTask, nil); err != nil {
		d.abort()
		return nil, err
	}
	if err := d.taskMgr.Start("pdu-rx", d.recvTask, nil); err != nil {
		d.abort()
		return nil, err
	}

	e.state.ToRunning()
	d.logger.Debug("pdu driver started")

	return d, nil
}

// Stop terminates the I/O tasks and returns the halves. Requests still
// outstanding resolve to ErrCancelled. The channel is not closed.
func (d *Driver) Stop() (*Halves, error) {
	err := ErrDriverStopped
	d.stopOnce.Do(func() {
		d.abort()
		err = nil
		d.logger.Debug("pdu driver stopped")
	})
	if err != nil {
		return nil, err
	}

	return d.halves, nil
}

func (d *Driver) abort() {
	e := d.halves.engine
	e.state.ToStopping()

	d.taskMgr.Stop()
	d.taskMgr.Wait()

	e.cancelAll(ErrCancelled)
	e.state.ToStopped()
}

// sendTask writes one queued frame to the channel.
func (d *Driver) sendTask(ctx context.Context) bool {
	buf, p, release, err := d.halves.Tx.Next(ctx)
	if err != nil {
		return false
	}
	defer release()

	if err := d.ch.Send(ctx, buf); err != nil {
		d.halves.Tx.Fail(p, err)
		if errors.Is(err, transport.ErrChannelClosed) || ctx.Err() != nil {
			return false
		}
		d.logger.Error("failed to send frame", "error", err)

		return true
	}
	d.halves.Tx.Sent()

	return true
}

// recvTask reads one frame from the channel and dispatches it.
func (d *Driver) recvTask(ctx context.Context) bool {
	payload, err := d.ch.Recv(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrChannelClosed) || ctx.Err() != nil {
			return false
		}
		d.logger.Error("failed to receive frame, receiver stopped", "error", err)

		return false
	}

	d.halves.Rx.Deliver(payload)

	return true
}
