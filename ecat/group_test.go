package ecat

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/pdu"
	"github.com/arloliu/go-ecat/simulator"
	"github.com/arloliu/go-ecat/transport"
	"github.com/stretchr/testify/require"
)

func scanGroup(t *testing.T, b *testBench) *Group {
	t.Helper()

	g, err := b.master.Scan(t.Context(), "sim0")
	require.NoError(t, err)

	return g
}

func TestGroup_ExampleScenario(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(3), WithCapacity(16, 64))

	g := scanGroup(t, b)
	require.Equal(pdu.LeaseFree, b.registry.State())

	offsets := []int{}
	for _, sd := range g.SubDevices() {
		offsets = append(offsets, sd.OutputRange().Offset)
	}
	require.Equal([]int{0, 4, 8}, offsets)

	link := b.attach(t)
	require.NoError(g.IntoOp(t.Context(), link))
	require.Equal(OpState, g.State())

	first, err := g.Lookup(0x1001)
	require.NoError(err)

	g.Each(func(sd *SubDevice, io IO) {
		if sd == first {
			io.Outputs()[0] = 0x05
		}
	})
	require.NoError(g.Exchange(t.Context(), link))

	// per-cycle callback: increment outputs
	g.Each(func(sd *SubDevice, io IO) {
		if sd == first {
			require.Equal(byte(0x05), io.Inputs()[0])
		}
		io.Outputs()[0]++
	})
	require.NoError(g.Exchange(t.Context(), link))

	g.Each(func(sd *SubDevice, io IO) {
		if sd == first {
			require.Equal(byte(0x06), io.Outputs()[0])
			require.Equal(byte(0x06), io.Inputs()[0])
		} else {
			require.Equal(byte(0x01), io.Inputs()[0])
		}
	})

	require.NoError(link.Close())
	require.Equal(pdu.LeaseFree, b.registry.State())
}

func TestGroup_WindowsAreBounded(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(2))
	g := scanGroup(t, b)

	g.Each(func(sd *SubDevice, io IO) {
		require.Len(io.Inputs(), 4)
		require.Len(io.Outputs(), 4)
		require.Equal(4, cap(io.Outputs()))
	})
}

func TestGroup_StrictOrdering(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(2))
	g := scanGroup(t, b)
	link := b.attach(t)

	require.ErrorIs(g.IntoSafeOp(t.Context(), link), ErrInvalidTransition)
	require.Equal(InitState, g.State())
	require.Zero(b.segment.Count(frame.FPWR))

	require.NoError(g.IntoPreOp(t.Context(), link))
	require.NoError(g.IntoPreOp(t.Context(), link))
	require.Equal(PreOpState, g.State())

	require.NoError(g.IntoSafeOp(t.Context(), link))
	require.ErrorIs(g.IntoPreOp(t.Context(), link), ErrInvalidTransition)
	require.Equal(SafeOpState, g.State())
	require.Equal(esc.ALStateSafeOp, b.segment.State(1))
}

func TestGroup_ConfigError(t *testing.T) {
	require := require.New(t)
	devs := simulator.EchoDevices(3)
	devs[1].RejectMailbox = true
	b := newTestBench(t, devs)
	g := scanGroup(t, b)
	link := b.attach(t)

	err := g.IntoPreOp(t.Context(), link)
	require.ErrorIs(err, ErrConfig)

	var devErr *DeviceError
	require.ErrorAs(err, &devErr)
	require.Equal(uint16(0x1002), devErr.Address)

	var alErr *ALStatusError
	require.ErrorAs(err, &alErr)
	require.Equal(esc.StatusInvalidMailboxCfg, alErr.Code)

	require.Equal(InitState, g.State())
}

func TestGroup_SizeMismatch(t *testing.T) {
	require := require.New(t)
	devs := simulator.EchoDevices(3)
	devs[2].ActualInputs = 2
	b := newTestBench(t, devs)
	g := scanGroup(t, b)
	link := b.attach(t)

	require.NoError(g.IntoPreOp(t.Context(), link))

	err := g.IntoSafeOp(t.Context(), link)
	require.ErrorIs(err, ErrMismatch)

	var devErr *DeviceError
	require.ErrorAs(err, &devErr)
	require.Equal(uint16(0x1003), devErr.Address)
	require.Equal(PreOpState, g.State())
}

func TestGroup_IntoOpStopsAtLastGoodState(t *testing.T) {
	require := require.New(t)
	devs := simulator.EchoDevices(2)
	devs[0].ActualOutputs = 8
	b := newTestBench(t, devs)
	g := scanGroup(t, b)
	link := b.attach(t)

	var mu sync.Mutex
	var seen []GroupState
	g.AddHandler(func(_ *Group, _ GroupState, newState GroupState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, newState)
	})

	require.ErrorIs(g.IntoOp(t.Context(), link), ErrMismatch)
	require.Equal(PreOpState, g.State())

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]GroupState{PreOpState}, seen)
}

func TestGroup_DistributedClocks(t *testing.T) {
	t.Run("converges", func(t *testing.T) {
		require := require.New(t)
		b := newTestBench(t, simulator.EchoDevices(3), WithDCSyncIterations(12))
		g := scanGroup(t, b)
		link := b.attach(t)

		require.NoError(g.IntoOp(t.Context(), link))
		require.GreaterOrEqual(b.segment.Count(frame.FRMW), uint64(12))
		// the scan reset plus the receive time latch
		require.Equal(uint64(2), b.segment.Count(frame.BWR))
	})

	t.Run("skipped", func(t *testing.T) {
		require := require.New(t)
		b := newTestBench(t, simulator.EchoDevices(3))
		g := scanGroup(t, b)
		link := b.attach(t)

		require.NoError(g.IntoOp(t.Context(), link))
		require.Zero(b.segment.Count(frame.FRMW))
	})

	t.Run("does not converge", func(t *testing.T) {
		require := require.New(t)
		devs := simulator.EchoDevices(3)
		devs[1].DCStuck = true
		b := newTestBench(t, devs, WithDCSyncIterations(4), WithMailboxTimeout(50*time.Millisecond))
		g := scanGroup(t, b)
		link := b.attach(t)

		require.ErrorIs(g.IntoOp(t.Context(), link), ErrSyncTimeout)
		require.Equal(SafeOpState, g.State())
	})
}

func TestGroup_ExchangeRequiresOp(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(2))
	g := scanGroup(t, b)
	link := b.attach(t)

	require.ErrorIs(g.Exchange(t.Context(), link), ErrNotOperational)

	require.NoError(g.IntoOp(t.Context(), link))
	require.NoError(g.Exchange(t.Context(), link))
	require.Equal(uint64(1), b.segment.Count(frame.LRW))

	g.Fault(pdu.ErrTimeout)
	require.Equal(FaultedState, g.State())
	require.ErrorIs(g.Err(), pdu.ErrTimeout)

	require.ErrorIs(g.Exchange(t.Context(), link), ErrGroupFaulted)
	require.ErrorIs(g.IntoOp(t.Context(), link), ErrGroupFaulted)
	require.Equal(uint64(1), b.segment.Count(frame.LRW))
}

func TestGroup_WorkingCounter(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(3))
	g := scanGroup(t, b)
	link := b.attach(t)
	require.NoError(g.IntoOp(t.Context(), link))

	// drop the second SubDevice back to Init behind the group's back
	require.NoError(link.fpwr(t.Context(), 0x1002, esc.ALControl, binary.LittleEndian.AppendUint16(nil, uint16(esc.ALStateInit))))

	err := g.Exchange(t.Context(), link)
	require.ErrorIs(err, ErrWorkingCounter)

	var wkcErr *WorkingCounterError
	require.ErrorAs(err, &wkcErr)
	require.Equal(uint16(9), wkcErr.Expected)
	require.Equal(uint16(6), wkcErr.Actual)
}

func TestGroup_WaitState(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(1))
	g := scanGroup(t, b)
	link := b.attach(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- g.WaitState(ctx, OpState)
	}()

	require.NoError(g.IntoOp(t.Context(), link))
	require.NoError(<-done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(g.WaitState(ctx, PreOpState), context.DeadlineExceeded)
}

func TestGroup_Mailbox(t *testing.T) {
	require := require.New(t)
	devs := simulator.EchoDevices(2)
	devs[1].NoMailbox = true
	b := newTestBench(t, devs)
	g := scanGroup(t, b)
	link := b.attach(t)

	first, second := g.SubDevices()[0], g.SubDevices()[1]

	_, err := g.Description(t.Context(), link, first)
	require.ErrorIs(err, ErrMailboxUnsupported)

	require.NoError(g.IntoPreOp(t.Context(), link))

	name, err := g.Description(t.Context(), link, first)
	require.NoError(err)
	require.Equal("sim-io-1", name)

	data, err := g.Upload(t.Context(), link, first, esc.ObjectIdentity, 4)
	require.NoError(err)
	require.Equal(uint32(1), binary.LittleEndian.Uint32(data))

	_, err = g.Upload(t.Context(), link, first, 0x6000, 1)
	var abortErr *esc.AbortError
	require.ErrorAs(err, &abortErr)
	require.Equal(esc.AbortObjectNotFound, abortErr.Code)

	_, err = g.Description(t.Context(), link, second)
	require.ErrorIs(err, ErrMailboxUnsupported)
}

func TestLink_Close(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(1))

	link, err := b.master.Attach(t.Context(), "sim0")
	require.NoError(err)
	require.Equal("sim0", link.Interface())
	require.Same(b.master, link.Master())

	require.NoError(link.Close())
	require.NoError(link.Close())
	require.Equal(pdu.LeaseFree, b.registry.State())

	_, err = link.Do(t.Context(), frame.Datagram{Command: frame.BRD, Data: make([]byte, 2)})
	require.ErrorIs(err, ErrLinkClosed)

	g := scanGroup(t, b)
	require.ErrorIs(g.IntoPreOp(t.Context(), link), ErrLinkClosed)

	// same master, different interface
	sim1, err := b.master.Attach(t.Context(), "sim1")
	require.NoError(err)
	require.ErrorIs(g.IntoPreOp(t.Context(), sim1), ErrForeignLink)
	require.Zero(b.segment.Count(frame.FPWR))
	require.Equal(InitState, g.State())
	require.NoError(sim1.Close())

	other := newTestBench(t, simulator.EchoDevices(1))
	otherLink := other.attach(t)
	require.ErrorIs(g.IntoPreOp(t.Context(), otherLink), ErrForeignLink)
}

func TestMaster_WithTransport(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(2))
	g := scanGroup(t, b)

	err := b.master.WithTransport(t.Context(), "sim0", func(link *Link) error {
		require.Equal(pdu.LeaseLeased, b.registry.State())
		return g.IntoOp(t.Context(), link)
	})
	require.NoError(err)
	require.Equal(pdu.LeaseFree, b.registry.State())
	require.Equal(OpState, g.State())

	err = b.master.WithTransport(t.Context(), "sim0", func(*Link) error { return ErrGroupFaulted })
	require.ErrorIs(err, ErrGroupFaulted)
	require.Equal(pdu.LeaseFree, b.registry.State())
}

// truncatingChannel cuts the data of logical read/write replies to one byte.
type truncatingChannel struct {
	transport.Channel
}

func (c truncatingChannel) Recv(ctx context.Context) ([]byte, error) {
	buf, err := c.Channel.Recv(ctx)
	if err != nil {
		return buf, err
	}

	d, err := frame.Decode(buf)
	if err != nil || d.Command != frame.LRW || len(d.Data) < 2 {
		return buf, nil
	}
	d.Data = d.Data[:1]

	return frame.Encode(d)
}

func TestGroup_ExchangeShortReply(t *testing.T) {
	require := require.New(t)
	b := newTestBench(t, simulator.EchoDevices(3))

	m, err := NewMaster(b.registry,
		WithOpener(func(iface string) (transport.Channel, error) {
			ch, err := b.segment.Open(iface)
			if err != nil {
				return nil, err
			}
			return truncatingChannel{Channel: ch}, nil
		}),
		WithLogger(b.master.Config().Logger()),
		WithLoopDelay(time.Millisecond),
		WithMailboxTimeout(200*time.Millisecond),
	)
	require.NoError(err)

	g, err := m.Scan(t.Context(), "sim0")
	require.NoError(err)

	link, err := m.Attach(t.Context(), "sim0")
	require.NoError(err)
	defer link.Close()
	require.NoError(g.IntoOp(t.Context(), link))

	unmatched := m.Metrics().Unmatched.Load()
	for range 3 {
		require.ErrorIs(g.Exchange(t.Context(), link), ErrTimeout)
	}
	require.Equal(unmatched+3, m.Metrics().Unmatched.Load())
	require.Equal(OpState, g.State())

	g.Each(func(_ *SubDevice, io IO) {
		require.Equal([]byte{0, 0, 0, 0}, io.Inputs())
	})
}
