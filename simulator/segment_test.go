package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/transport"
	"github.com/stretchr/testify/require"
)

func newTestPort(t *testing.T, devices ...Device) (*Segment, transport.Channel) {
	t.Helper()

	seg, err := New(logger.NewPermissiveMockLogger(), devices...)
	require.NoError(t, err)
	ch, err := seg.Open("sim0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	return seg, ch
}

func roundTrip(t *testing.T, ch transport.Channel, d frame.Datagram) frame.Datagram {
	t.Helper()

	req, err := frame.Encode(d)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, ch.Send(ctx, req))
	resp, err := ch.Recv(ctx)
	require.NoError(t, err)

	got, err := frame.Decode(resp)
	require.NoError(t, err)

	return got
}

func u16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

func fpwr(addr, reg uint16, data []byte) frame.Datagram {
	return frame.Datagram{Command: frame.FPWR, Address: frame.PhysicalAddress(addr, reg), Data: data}
}

func fprd(addr, reg uint16, n int) frame.Datagram {
	return frame.Datagram{Command: frame.FPRD, Address: frame.PhysicalAddress(addr, reg), Data: make([]byte, n)}
}

func assignAddresses(t *testing.T, ch transport.Channel, n int) {
	t.Helper()

	for i := range n {
		resp := roundTrip(t, ch, frame.Datagram{
			Command: frame.APWR,
			Address: frame.PhysicalAddress(uint16(-i), esc.ConfiguredStationAddress),
			Data:    u16(0x1001 + uint16(i)),
		})
		require.Equal(t, uint16(1), resp.WKC)
	}
}

func TestSegment_CountAndAddress(t *testing.T) {
	require := require.New(t)
	seg, ch := newTestPort(t, EchoDevices(3)...)

	resp := roundTrip(t, ch, frame.Datagram{Command: frame.BRD, Address: frame.PhysicalAddress(0, esc.ALStatus), Data: make([]byte, 2)})
	require.Equal(uint16(3), resp.WKC)
	require.Equal(byte(esc.ALStateInit), resp.Data[0])

	assignAddresses(t, ch, 3)

	resp = roundTrip(t, ch, fprd(0x1002, esc.IdentityBlock, esc.IdentityBlockLen))
	require.Equal(uint16(1), resp.WKC)
	info, err := esc.DecodeIdentity(resp.Data)
	require.NoError(err)
	require.Equal("sim-io-2", info.Name)
	require.Equal(uint16(4), info.InputBytes)
	require.True(info.Supported())

	resp = roundTrip(t, ch, fprd(0x2000, esc.ALStatus, 2))
	require.Zero(resp.WKC)

	require.Equal(uint64(1), seg.Count(frame.BRD))
	require.Equal(uint64(3), seg.Count(frame.APWR))
}

func configureMailbox(t *testing.T, ch transport.Channel, addr uint16) {
	t.Helper()

	sm0 := esc.SyncManager{Start: mailboxOutStart, Length: mailboxSize, Control: esc.SMControlMailboxWrite, Enable: true}
	sm1 := esc.SyncManager{Start: mailboxInStart, Length: mailboxSize, Control: esc.SMControlMailboxRead, Enable: true}
	resp := roundTrip(t, ch, fpwr(addr, esc.SyncManagerAddr(esc.SMMailboxOut), append(sm0.Encode(), sm1.Encode()...)))
	require.Equal(t, uint16(1), resp.WKC)
}

func TestSegment_StateMachine(t *testing.T) {
	require := require.New(t)
	seg, ch := newTestPort(t, EchoDevices(1)...)
	assignAddresses(t, ch, 1)

	// pre-op without mailbox configuration is refused
	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStatePreOp))))
	require.Equal(esc.ALStateInit|esc.ALErrorFlag, seg.State(0))
	resp := roundTrip(t, ch, fprd(0x1001, esc.ALStatusCode, 2))
	require.Equal(esc.StatusInvalidMailboxCfg, binary.LittleEndian.Uint16(resp.Data))

	configureMailbox(t, ch, 0x1001)
	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStatePreOp))))
	require.Equal(esc.ALStatePreOp, seg.State(0))

	// skipping safe-op is refused
	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStateOp))))
	require.Equal(esc.ALStatePreOp|esc.ALErrorFlag, seg.State(0))
}

func TestSegment_Mailbox(t *testing.T) {
	require := require.New(t)
	_, ch := newTestPort(t, EchoDevices(1)...)
	assignAddresses(t, ch, 1)
	configureMailbox(t, ch, 0x1001)
	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStatePreOp))))

	req, err := esc.EncodeSDO(esc.SDO{Counter: 1, Service: esc.SDOUploadRequest, Index: esc.ObjectDeviceName}, mailboxSize)
	require.NoError(err)
	roundTrip(t, ch, fpwr(0x1001, mailboxOutStart, req))

	resp := roundTrip(t, ch, fprd(0x1001, mailboxInStart, mailboxSize))
	msg, err := esc.DecodeSDO(resp.Data)
	require.NoError(err)
	require.Equal(esc.SDOUploadResponse, msg.Service)
	require.Equal("sim-io-1", string(msg.Data))

	// read once
	resp = roundTrip(t, ch, fprd(0x1001, mailboxInStart, mailboxSize))
	_, err = esc.DecodeSDO(resp.Data)
	require.ErrorIs(err, esc.ErrMailboxEmpty)
}

func TestSegment_LogicalEcho(t *testing.T) {
	require := require.New(t)
	seg, ch := newTestPort(t, EchoDevices(1)...)
	assignAddresses(t, ch, 1)
	configureMailbox(t, ch, 0x1001)
	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStatePreOp))))

	out := esc.SyncManager{Start: outputsStart, Length: 4, Control: esc.SMControlOutputs, Enable: true}
	in := esc.SyncManager{Start: inputsStart, Length: 4, Control: esc.SMControlInputs, Enable: true}
	roundTrip(t, ch, fpwr(0x1001, esc.SyncManagerAddr(esc.SMOutputs), append(out.Encode(), in.Encode()...)))

	fOut := esc.FMMU{LogicalStart: 0, Length: 4, PhysicalStart: outputsStart, Write: true, Enable: true}
	fIn := esc.FMMU{LogicalStart: 4, Length: 4, PhysicalStart: inputsStart, Read: true, Enable: true}
	roundTrip(t, ch, fpwr(0x1001, esc.FMMUAddr(esc.FMMUOutputs), append(fOut.Encode(), fIn.Encode()...)))

	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStateSafeOp))))
	require.Equal(esc.ALStateSafeOp, seg.State(0))

	// safe-op keeps outputs at zero
	resp := roundTrip(t, ch, frame.Datagram{Command: frame.LRW, Data: []byte{5, 6, 7, 8, 0, 0, 0, 0}})
	require.Equal(uint16(3), resp.WKC)
	require.Equal([]byte{0, 0, 0, 0}, resp.Data[4:])

	roundTrip(t, ch, fpwr(0x1001, esc.ALControl, u16(uint16(esc.ALStateOp))))
	resp = roundTrip(t, ch, frame.Datagram{Command: frame.LRW, Data: []byte{5, 6, 7, 8, 0, 0, 0, 0}})
	require.Equal(uint16(3), resp.WKC)
	require.Equal([]byte{5, 6, 7, 8}, resp.Data[4:])
}

func TestSegment_Hooks(t *testing.T) {
	require := require.New(t)
	seg, ch := newTestPort(t, EchoDevices(2)...)

	seg.SetDrop(func(d frame.Datagram) bool { return d.Command == frame.BRD })

	req, err := frame.Encode(frame.Datagram{Command: frame.BRD, Data: make([]byte, 2)})
	require.NoError(err)
	require.NoError(ch.Send(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Recv(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(uint64(1), seg.Dropped())

	seg.SetDrop(nil)
	seg.SetDelay(func(frame.Datagram) time.Duration { return 30 * time.Millisecond })
	start := time.Now()
	resp := roundTrip(t, ch, frame.Datagram{Command: frame.BRD, Data: make([]byte, 2)})
	require.Equal(uint16(2), resp.WKC)
	require.GreaterOrEqual(time.Since(start), 30*time.Millisecond)

	openErr := errors.New("no such device")
	seg.SetOpenError(openErr)
	_, err = seg.Open("eth9")
	require.ErrorIs(err, openErr)

	require.NoError(ch.Close())
	require.ErrorIs(ch.Send(context.Background(), req), transport.ErrChannelClosed)
}
