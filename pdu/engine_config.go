package pdu

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/logger"
)

const (
	// MaxInflightLimit is the number of distinct datagram indexes.
	MaxInflightLimit = 256

	defaultMaxInflight     = 16
	defaultResponseTimeout = time.Second
)

// engineConfig holds the Engine parameters. It is fixed once NewEngine returns.
type engineConfig struct {
	// maxInflight bounds the number of outstanding requests. Power of two in [2, 256].
	// Defaults to 16.
	maxInflight int
	// responseTimeout bounds how long a request waits for its response.
	// Defaults to 1 second.
	responseTimeout time.Duration
	logger          logger.Logger
}

// EngineOption is a functional option for configuring an Engine.
type EngineOption interface {
	apply(*engineConfig) error
}

type engineOptFunc func(*engineConfig) error

func (f engineOptFunc) apply(cfg *engineConfig) error { return f(cfg) }

// WithMaxInflight sets the maximum number of outstanding requests.
// n must be a power of two between 2 and 256.
func WithMaxInflight(n int) EngineOption {
	return engineOptFunc(func(cfg *engineConfig) error {
		if n < 2 || n > MaxInflightLimit || n&(n-1) != 0 {
			return fmt.Errorf("pdu: max inflight %d must be a power of two in [2, %d]", n, MaxInflightLimit)
		}
		cfg.maxInflight = n

		return nil
	})
}

// WithResponseTimeout sets how long a request waits for its response before
// resolving to ErrTimeout.
func WithResponseTimeout(d time.Duration) EngineOption {
	return engineOptFunc(func(cfg *engineConfig) error {
		if d <= 0 {
			return errors.New("pdu: response timeout must be positive")
		}
		cfg.responseTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the engine and its driver.
func WithLogger(l logger.Logger) EngineOption {
	return engineOptFunc(func(cfg *engineConfig) error {
		if l == nil {
			return errors.New("pdu: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
