package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arloliu/go-ecat/bridge"
	"github.com/arloliu/go-ecat/cyclic"
	"github.com/arloliu/go-ecat/ecat"
	"github.com/spf13/cobra"
)

type runFlags struct {
	period   time.Duration
	duration time.Duration
	trace    bool
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan, enter Op and exchange process data cyclically",
		Long: `Scan the segment, move every SubDevice to Op and run the cyclic exchange.
Each cycle increments every output byte of every SubDevice. The loop
stops on interrupt, when --duration elapses or when the group faults.`,
		Example: `  # Run a simulated segment for five seconds at 1ms
  ecdiag run --simulate 3 --period 1ms --duration 5s --trace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.setup(true)
			if err != nil {
				return err
			}

			return runCyclic(cmd.Context(), e, rf)
		},
	}

	cmd.Flags().DurationVar(&rf.period, "period", 0, "Cycle period (default from configuration)")
	cmd.Flags().DurationVar(&rf.duration, "duration", 0, "Stop after this long (default: until interrupted)")
	cmd.Flags().BoolVar(&rf.trace, "trace", false, "Print input windows when they change")

	return cmd
}

func runCyclic(ctx context.Context, e *env, rf *runFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rf.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rf.duration)
		defer cancel()
	}

	g, err := e.master.Scan(ctx, e.iface)
	if err != nil {
		return fmt.Errorf("scan %s: %w", e.iface, err)
	}
	fmt.Fprintf(os.Stdout, "Found %d SubDevice(s), %d output byte(s), %d input byte(s)\n", g.Len(), g.OutputLen(), g.InputLen())

	g.AddHandler(func(_ *ecat.Group, prev, cur ecat.GroupState) {
		fmt.Fprintf(os.Stdout, "Group %s -> %s\n", prev, cur)
	})

	opts := []cyclic.Option{cyclic.WithLogger(e.log)}
	if rf.period > 0 {
		opts = append(opts, cyclic.WithPeriod(rf.period))
	}
	loop, err := cyclic.New(e.master, g, opts...)
	if err != nil {
		return err
	}

	bus := bridge.NewBus()
	defer bus.Close()
	mirror := bridge.NewMirror(bus)

	if rf.trace {
		ch, err := bus.Subscribe("trace", bridge.ImageInputsPrefix, 64)
		if err != nil {
			return err
		}
		go func() {
			for msg := range ch {
				fmt.Fprintf(os.Stdout, "#%d %s % x\n", msg.Seq, bridge.TopicName(msg.Topic), msg.Payload)
			}
		}()
	}

	err = loop.Run(ctx, e.iface, func(c *cyclic.Cycle) error {
		if err := c.Err(); err != nil {
			e.log.Warn("cycle failed", "tick", c.Tick(), "error", err)
			return nil
		}

		if err := mirror.Sync(c.Each); err != nil {
			return err
		}
		c.Each(incrementOutputs)

		return nil
	})

	stats := loop.Stats()
	fmt.Fprintf(os.Stdout, "Ticks %d, exchanges %d, failures %d, missed %d\n",
		stats.Ticks.Load(), stats.Exchanges.Load(), stats.Failures.Load(), stats.MissedTicks.Load())

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

// incrementOutputs adds one to every output byte, wrapping at 0xFF.
func incrementOutputs(_ *ecat.SubDevice, io ecat.IO) {
	out := io.Outputs()
	for i := range out {
		out[i]++
	}
}
