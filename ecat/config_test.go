package ecat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/frame"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.Equal(DefaultLoopDelay, cfg.LoopDelay())
	require.Equal(DefaultMailboxTimeout, cfg.MailboxTimeout())
	require.Equal(DefaultCyclePeriod, cfg.CyclePeriod())
	require.Zero(cfg.DCSyncIterations())
	require.Equal(Capacity{SubDevices: 16, ImageBytes: 64}, cfg.Capacity())
	require.NotNil(cfg.Logger())
}

func TestNewConfig_Options(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr bool
	}{
		{name: "loop delay", opt: WithLoopDelay(5 * time.Millisecond)},
		{name: "loop delay too small", opt: WithLoopDelay(time.Microsecond), wantErr: true},
		{name: "mailbox timeout", opt: WithMailboxTimeout(3 * time.Second)},
		{name: "mailbox timeout too large", opt: WithMailboxTimeout(time.Hour), wantErr: true},
		{name: "dc iterations", opt: WithDCSyncIterations(MaxDCSyncIterations)},
		{name: "dc iterations negative", opt: WithDCSyncIterations(-1), wantErr: true},
		{name: "capacity", opt: WithCapacity(32, 256)},
		{name: "capacity not power of two", opt: WithCapacity(12, 64), wantErr: true},
		{name: "capacity zero image", opt: WithCapacity(16, 0), wantErr: true},
		{name: "capacity image limit", opt: WithCapacity(16, MaxImageBytesLimit)},
		{name: "capacity image beyond one datagram", opt: WithCapacity(16, 2048), wantErr: true},
		{name: "cycle period", opt: WithCyclePeriod(time.Millisecond)},
		{name: "cycle period zero", opt: WithCyclePeriod(0), wantErr: true},
		{name: "nil opener", opt: WithOpener(nil), wantErr: true},
		{name: "nil logger", opt: WithLogger(nil), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}

	_, err := NewConfig(WithCapacity(12, 64))
	require.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestImageLimitFitsOneDatagram(t *testing.T) {
	require.LessOrEqual(t, MaxImageBytesLimit, frame.MaxPayload)
}

func TestLoadConfigFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "ecat.yaml")
	content := `
interface: eth1
cycle_period: 4ms
loop_delay: 1ms
mailbox_timeout: 500ms
dc_sync_iterations: 1000
max_subdevices: 32
log_level: debug
`
	require.NoError(os.WriteFile(path, []byte(content), 0o600))

	fc, err := LoadConfigFile(path)
	require.NoError(err)
	require.Equal("eth1", fc.Interface)
	require.Equal(4*time.Millisecond, fc.CyclePeriod)
	require.Equal("debug", fc.LogLevel)

	cfg, err := NewConfig(fc.Options()...)
	require.NoError(err)
	require.Equal(time.Millisecond, cfg.LoopDelay())
	require.Equal(500*time.Millisecond, cfg.MailboxTimeout())
	require.Equal(1000, cfg.DCSyncIterations())
	require.Equal(4*time.Millisecond, cfg.CyclePeriod())
	require.Equal(Capacity{SubDevices: 32, ImageBytes: DefaultMaxImageBytes}, cfg.Capacity())

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(os.WriteFile(bad, []byte("cycle_period: [1, 2]\n"), 0o600))
	_, err = LoadConfigFile(bad)
	require.Error(err)
}
