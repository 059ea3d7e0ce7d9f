package bridge

import (
	"testing"
	"time"

	"github.com/arloliu/go-ecat/ecat"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/pdu"
	"github.com/arloliu/go-ecat/simulator"
	"github.com/stretchr/testify/require"
)

func operationalGroup(t *testing.T) (*ecat.Group, *ecat.Link) {
	t.Helper()
	require := require.New(t)

	l := logger.NewPermissiveMockLogger()

	engine, err := pdu.NewEngine(pdu.WithResponseTimeout(100*time.Millisecond), pdu.WithLogger(l))
	require.NoError(err)
	halves, err := engine.Split()
	require.NoError(err)

	seg, err := simulator.New(l, simulator.EchoDevices(2)...)
	require.NoError(err)

	m, err := ecat.NewMaster(pdu.NewRegistry(halves),
		ecat.WithOpener(seg.Open),
		ecat.WithLogger(l),
		ecat.WithLoopDelay(time.Millisecond),
	)
	require.NoError(err)

	g, err := m.Scan(t.Context(), "sim0")
	require.NoError(err)

	link, err := m.Attach(t.Context(), "sim0")
	require.NoError(err)
	t.Cleanup(func() { _ = link.Close() })

	require.NoError(g.IntoOp(t.Context(), link))

	return g, link
}

func TestMirror_Sync(t *testing.T) {
	require := require.New(t)
	g, link := operationalGroup(t)

	bus := NewBus()
	mirror := NewMirror(bus)

	first, err := g.LookupName("sim-io-1")
	require.NoError(err)
	second, err := g.LookupName("sim-io-2")
	require.NoError(err)

	require.NoError(bus.Publish(OutputTopic(first), []byte{0x0A, 0x0B}))

	require.NoError(mirror.Sync(g.Each))
	g.Each(func(sd *ecat.SubDevice, io ecat.IO) {
		if sd == first {
			require.Equal([]byte{0x0A, 0x0B, 0, 0}, io.Outputs())
		}
	})

	msg, ok := bus.Latest(InputTopic(second))
	require.True(ok)
	require.Equal([]byte{0, 0, 0, 0}, msg.Payload)
	seq := msg.Seq

	require.NoError(g.Exchange(t.Context(), link))
	require.NoError(mirror.Sync(g.Each))

	msg, ok = bus.Latest("image/inputs/sim-io-1")
	require.True(ok)
	require.Equal([]byte{0x0A, 0x0B, 0, 0}, msg.Payload)

	// unchanged windows are not republished
	msg, _ = bus.Latest(InputTopic(second))
	require.Equal(seq, msg.Seq)
}

func TestMirror_ClosedBus(t *testing.T) {
	require := require.New(t)
	g, _ := operationalGroup(t)

	bus := NewBus()
	bus.Close()

	require.ErrorIs(NewMirror(bus).Sync(g.Each), ErrBusClosed)
}
