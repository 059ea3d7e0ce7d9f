package hal

import (
	"testing"
	"time"

	"github.com/arloliu/go-ecat/bridge"
	"github.com/arloliu/go-ecat/ecat"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/pdu"
	"github.com/arloliu/go-ecat/simulator"
	"github.com/stretchr/testify/require"
)

func TestBridgeInput(t *testing.T) {
	require := require.New(t)
	bus := bridge.NewBus()

	in := NewBridgeInput("B1", bus)
	require.Equal(BindingBridge, in.Binding())
	require.Equal("sensor/digital/B1", in.Topic())
	require.False(in.State())

	require.NoError(bus.Publish("sensor/digital/B1", []byte("true")))
	require.True(in.State())

	require.NoError(bus.Publish("sensor/digital/B1", []byte("false")))
	require.False(in.State())

	require.NoError(bus.Publish("sensor/digital/B1", []byte("garbage")))
	require.False(in.State())
}

func TestBridgeOutput(t *testing.T) {
	require := require.New(t)
	bus := bridge.NewBus()

	ch, err := bus.Subscribe("sim", bridge.ActuatorDigitalPrefix, 8)
	require.NoError(err)

	var out DigitalOutput = NewBridgeOutput("Y1", bus)
	require.False(out.State())

	out.SetTrue()
	require.True(out.State())
	msg := <-ch
	require.Equal("actuator/digital/Y1", msg.Topic)
	require.Equal("true", string(msg.Payload))

	out.SetFalse()
	require.False(out.State())
	msg = <-ch
	require.Equal("false", string(msg.Payload))

	out.Set(true)
	latest, ok := bus.Latest(bridge.ActuatorTopic("Y1"))
	require.True(ok)
	require.Equal("true", string(latest.Payload))
}

func TestBinding_String(t *testing.T) {
	require := require.New(t)

	require.Equal("image", BindingImage.String())
	require.Equal("bridge", BindingBridge.String())
	require.Equal("binding(7)", Binding(7).String())

	require.Equal("B1 in image 0x1001:0.3", NewImageInput("B1", Bit{Address: 0x1001, Bit: 3}).String())
	require.Equal("Y1 out bridge actuator/digital/Y1", NewBridgeOutput("Y1", bridge.NewBus()).String())
}

func TestSet_Duplicate(t *testing.T) {
	require := require.New(t)
	s := NewSet()

	require.NoError(s.AddInput(NewImageInput("B1", Bit{Address: 0x1001})))
	require.ErrorIs(s.AddOutput(NewImageOutput("B1", Bit{Address: 0x1001})), ErrDuplicatePoint)
	require.Len(s.Inputs(), 1)
	require.Empty(s.Outputs())
}

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

func TestSet_Validate(t *testing.T) {
	require := require.New(t)
	g, _ := operationalGroup(t)

	s := NewSet()
	require.NoError(s.AddInput(NewImageInput("B1", Bit{Address: 0x1002, Byte: 3, Bit: 7})))
	require.NoError(s.AddInput(NewBridgeInput("B2", bridge.NewBus())))
	require.NoError(s.Validate(g))

	require.NoError(s.AddOutput(NewImageOutput("Y1", Bit{Address: 0x1001, Byte: 4})))
	require.ErrorIs(s.Validate(g), ErrBitOutOfRange)

	s = NewSet()
	require.NoError(s.AddOutput(NewImageOutput("Y1", Bit{Address: 0x1001, Bit: 8})))
	require.ErrorIs(s.Validate(g), ErrBitOutOfRange)

	s = NewSet()
	require.NoError(s.AddInput(NewImageInput("B1", Bit{Address: 0x1009})))
	require.ErrorIs(s.Validate(g), ErrUnknownSubDevice)
}

func TestSet_SyncImage(t *testing.T) {
	require := require.New(t)
	g, link := operationalGroup(t)
	bus := bridge.NewBus()

	// echo devices reflect outputs into inputs, so Y1 drives B1
	y1 := NewImageOutput("Y1", Bit{Address: 0x1002, Byte: 1, Bit: 2})
	b1 := NewImageInput("B1", Bit{Address: 0x1002, Byte: 1, Bit: 2})
	b2 := NewImageInput("B2", Bit{Address: 0x1001, Byte: 0, Bit: 0})

	s := NewSet()
	require.NoError(s.AddOutput(y1))
	require.NoError(s.AddInput(b1))
	require.NoError(s.AddInput(b2))
	require.NoError(s.Validate(g))

	y1.SetTrue()
	s.Sync(g.Each)
	g.Each(func(sd *ecat.SubDevice, io ecat.IO) {
		if sd.Address() == 0x1002 {
			require.Equal(byte(0x04), io.Outputs()[1])
		}
	})
	require.False(b1.State())

	require.NoError(g.Exchange(t.Context(), link))
	s.Sync(g.Each)
	require.True(b1.State())
	require.False(b2.State())

	require.NoError(s.Publish(bus))
	msg, ok := bus.Latest(bridge.SensorTopic("B1"))
	require.True(ok)
	require.Equal("true", string(msg.Payload))
	seq := msg.Seq

	// unchanged states are not republished
	require.NoError(s.Publish(bus))
	msg, _ = bus.Latest(bridge.SensorTopic("B1"))
	require.Equal(seq, msg.Seq)

	y1.SetFalse()
	s.Sync(g.Each)
	require.NoError(g.Exchange(t.Context(), link))
	s.Sync(g.Each)
	require.False(b1.State())

	require.NoError(s.Publish(bus))
	msg, _ = bus.Latest(bridge.SensorTopic("B1"))
	require.Equal("false", string(msg.Payload))
}
