package ecat

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/transport"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultLoopDelay      = 2 * time.Millisecond
	DefaultMailboxTimeout = 1 * time.Second
	DefaultCyclePeriod    = 10 * time.Millisecond

	DefaultMaxSubDevices = 16
	DefaultMaxImageBytes = 64
)

// Configuration limits.
const (
	MinLoopDelay      = 100 * time.Microsecond
	MaxLoopDelay      = 1 * time.Second
	MinMailboxTimeout = 10 * time.Millisecond
	MaxMailboxTimeout = 60 * time.Second
	MinCyclePeriod    = 250 * time.Microsecond
	MaxCyclePeriod    = 10 * time.Second

	MaxDCSyncIterations = 10000
	MaxSubDevicesLimit  = 1024
	// MaxImageBytesLimit is the largest power of two whose image still fits
	// the payload of a single logical datagram.
	MaxImageBytesLimit = 1024
)

// Capacity is the static size of a group: how many SubDevices it holds and
// how many process-image bytes (outputs plus inputs) it spans.
type Capacity struct {
	SubDevices int `cbor:"max_subdevices" yaml:"max_subdevices"`
	ImageBytes int `cbor:"max_image_bytes" yaml:"max_image_bytes"`
}

// DefaultCapacity is 16 SubDevices sharing a 64-byte image.
var DefaultCapacity = Capacity{SubDevices: DefaultMaxSubDevices, ImageBytes: DefaultMaxImageBytes}

func (c Capacity) validate() error {
	if !isPowerOfTwo(c.SubDevices) || c.SubDevices > MaxSubDevicesLimit {
		return fmt.Errorf("%w: max subdevices %d", ErrInvalidCapacity, c.SubDevices)
	}
	if !isPowerOfTwo(c.ImageBytes) || c.ImageBytes > MaxImageBytesLimit {
		return fmt.Errorf("%w: max image bytes %d", ErrInvalidCapacity, c.ImageBytes)
	}

	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}

// Config holds the master configuration. It is fixed once the master is created.
type Config struct {
	loopDelay        time.Duration
	mailboxTimeout   time.Duration
	dcSyncIterations int
	capacity         Capacity
	cyclePeriod      time.Duration
	opener           transport.Opener
	logger           logger.Logger
}

// NewConfig creates a master configuration with the given options applied in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		loopDelay:      DefaultLoopDelay,
		mailboxTimeout: DefaultMailboxTimeout,
		capacity:       DefaultCapacity,
		cyclePeriod:    DefaultCyclePeriod,
		opener:         transport.PcapOpener(),
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoopDelay returns the delay between polls of a SubDevice state.
func (cfg *Config) LoopDelay() time.Duration { return cfg.loopDelay }

// MailboxTimeout returns the time a SubDevice has to answer a mailbox
// request or to reach a requested state.
func (cfg *Config) MailboxTimeout() time.Duration { return cfg.mailboxTimeout }

// DCSyncIterations returns the number of clock propagations performed before Op.
func (cfg *Config) DCSyncIterations() int { return cfg.dcSyncIterations }

// Capacity returns the group capacity.
func (cfg *Config) Capacity() Capacity { return cfg.capacity }

// CyclePeriod returns the default cyclic exchange period.
func (cfg *Config) CyclePeriod() time.Duration { return cfg.cyclePeriod }

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger { return cfg.logger }

// Option configures a master.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithLoopDelay sets the delay between AL status polls.
func WithLoopDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinLoopDelay || d > MaxLoopDelay {
			return fmt.Errorf("loop delay %s out of range [%s, %s]", d, MinLoopDelay, MaxLoopDelay)
		}
		cfg.loopDelay = d

		return nil
	})
}

// WithMailboxTimeout sets the mailbox response timeout.
func WithMailboxTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinMailboxTimeout || d > MaxMailboxTimeout {
			return fmt.Errorf("mailbox timeout %s out of range [%s, %s]", d, MinMailboxTimeout, MaxMailboxTimeout)
		}
		cfg.mailboxTimeout = d

		return nil
	})
}

// WithDCSyncIterations sets the number of distributed clock propagations
// performed by IntoOp. Zero skips clock synchronization.
func WithDCSyncIterations(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxDCSyncIterations {
			return fmt.Errorf("dc sync iterations %d out of range [0, %d]", n, MaxDCSyncIterations)
		}
		cfg.dcSyncIterations = n

		return nil
	})
}

// WithCapacity sets the group capacity. Both values must be powers of two.
func WithCapacity(maxSubDevices, maxImageBytes int) Option {
	return optFunc(func(cfg *Config) error {
		c := Capacity{SubDevices: maxSubDevices, ImageBytes: maxImageBytes}
		if err := c.validate(); err != nil {
			return err
		}
		cfg.capacity = c

		return nil
	})
}

// WithCyclePeriod sets the default cyclic exchange period.
func WithCyclePeriod(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinCyclePeriod || d > MaxCyclePeriod {
			return fmt.Errorf("cycle period %s out of range [%s, %s]", d, MinCyclePeriod, MaxCyclePeriod)
		}
		cfg.cyclePeriod = d

		return nil
	})
}

// WithOpener sets the function binding a transport channel to an interface.
// The default opens a raw Ethernet channel through pcap.
func WithOpener(opener transport.Opener) Option {
	return optFunc(func(cfg *Config) error {
		if opener == nil {
			return errors.New("opener is nil")
		}
		cfg.opener = opener

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// FileConfig is the YAML representation of a master configuration.
type FileConfig struct {
	Interface        string        `yaml:"interface"`
	CyclePeriod      time.Duration `yaml:"cycle_period"`
	LoopDelay        time.Duration `yaml:"loop_delay"`
	MailboxTimeout   time.Duration `yaml:"mailbox_timeout"`
	DCSyncIterations int           `yaml:"dc_sync_iterations"`
	MaxSubDevices    int           `yaml:"max_subdevices"`
	MaxImageBytes    int           `yaml:"max_image_bytes"`
	LogLevel         string        `yaml:"log_level"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return &fc, nil
}

// Options converts the non-zero fields of fc into master options.
func (fc *FileConfig) Options() []Option {
	var opts []Option
	if fc.LoopDelay != 0 {
		opts = append(opts, WithLoopDelay(fc.LoopDelay))
	}
	if fc.MailboxTimeout != 0 {
		opts = append(opts, WithMailboxTimeout(fc.MailboxTimeout))
	}
	if fc.DCSyncIterations != 0 {
		opts = append(opts, WithDCSyncIterations(fc.DCSyncIterations))
	}
	if fc.CyclePeriod != 0 {
		opts = append(opts, WithCyclePeriod(fc.CyclePeriod))
	}
	if fc.MaxSubDevices != 0 || fc.MaxImageBytes != 0 {
		c := DefaultCapacity
		if fc.MaxSubDevices != 0 {
			c.SubDevices = fc.MaxSubDevices
		}
		if fc.MaxImageBytes != 0 {
			c.ImageBytes = fc.MaxImageBytes
		}
		opts = append(opts, WithCapacity(c.SubDevices, c.ImageBytes))
	}

	return opts
}
