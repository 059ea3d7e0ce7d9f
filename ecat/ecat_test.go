package ecat

import (
	"os"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/pdu"
	"github.com/arloliu/go-ecat/simulator"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	} else {
		logger.SetLevel(logger.ErrorLevel)
	}

	os.Exit(m.Run())
}

type testBench struct {
	master   *Master
	registry *pdu.Registry
	segment  *simulator.Segment
}

func newTestBench(t *testing.T, devices []simulator.Device, opts ...Option) *testBench {
	t.Helper()
	require := require.New(t)

	l := logger.NewPermissiveMockLogger()

	engine, err := pdu.NewEngine(pdu.WithResponseTimeout(100*time.Millisecond), pdu.WithLogger(l))
	require.NoError(err)
	halves, err := engine.Split()
	require.NoError(err)
	registry := pdu.NewRegistry(halves)

	seg, err := simulator.New(l, devices...)
	require.NoError(err)

	base := []Option{
		WithOpener(seg.Open),
		WithLogger(l),
		WithLoopDelay(time.Millisecond),
		WithMailboxTimeout(200 * time.Millisecond),
	}
	m, err := NewMaster(registry, append(base, opts...)...)
	require.NoError(err)

	return &testBench{master: m, registry: registry, segment: seg}
}

func (b *testBench) attach(t *testing.T) *Link {
	t.Helper()

	link, err := b.master.Attach(t.Context(), "sim0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	return link
}
