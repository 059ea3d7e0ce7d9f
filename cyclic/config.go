package cyclic

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/logger"
)

// DefaultMaxFailures is the number of consecutive failed exchanges that faults a group.
const DefaultMaxFailures = 3

type loopConfig struct {
	period      time.Duration
	maxFailures int
	logger      logger.Logger
}

// Option configures a Loop.
type Option interface {
	apply(*loopConfig) error
}

type optFunc func(*loopConfig) error

func (f optFunc) apply(cfg *loopConfig) error { return f(cfg) }

// WithPeriod sets the tick period. The default is the master's cycle period.
func WithPeriod(d time.Duration) Option {
	return optFunc(func(cfg *loopConfig) error {
		if d <= 0 {
			return fmt.Errorf("period %s must be positive", d)
		}
		cfg.period = d

		return nil
	})
}

// WithMaxFailures sets the number of consecutive failed exchanges after which
// the group faults.
func WithMaxFailures(n int) Option {
	return optFunc(func(cfg *loopConfig) error {
		if n < 1 {
			return fmt.Errorf("max failures %d must be at least 1", n)
		}
		cfg.maxFailures = n

		return nil
	})
}

// WithLogger sets the logger of the loop.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *loopConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
