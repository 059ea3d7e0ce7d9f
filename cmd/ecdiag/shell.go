package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-ecat/ecat"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

const shellTimeout = 10 * time.Second

var errNoGroup = errors.New("no group, run 'scan' first")

func newShellCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive diagnostics shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.setup(false)
			if err != nil {
				return err
			}

			sh, err := newShell(e)
			if err != nil {
				return err
			}

			return sh.run(cmd.Context())
		},
	}
}

// shell is a line-oriented front end to one master.
type shell struct {
	env   *env
	rl    *readline.Instance
	out   io.Writer
	group *ecat.Group
}

func newShell(e *env) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ecat> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("interfaces"),
			readline.PcItem("use"),
			readline.PcItem("scan"),
			readline.PcItem("devices"),
			readline.PcItem("state",
				readline.PcItem("preop"),
				readline.PcItem("safeop"),
				readline.PcItem("op"),
			),
			readline.PcItem("exchange"),
			readline.PcItem("describe"),
			readline.PcItem("save"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &shell{env: e, rl: rl, out: rl.Stdout()}, nil
}

func (s *shell) run(ctx context.Context) error {
	defer s.rl.Close()

	s.printHelp()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		cmd := strings.ToLower(fields[0])
		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}

		if err := s.exec(ctx, cmd, fields[1:]); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *shell) exec(ctx context.Context, cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		s.printHelp()
		return nil
	case "interfaces", "list_ports":
		return printInterfaces(s.env)
	case "use":
		return s.cmdUse(args)
	case "scan":
		return s.cmdScan(ctx)
	case "devices":
		printDevices(s.out, s.env.master.Devices())
		return nil
	case "state":
		return s.cmdState(ctx, args)
	case "exchange", "x":
		return s.cmdExchange(ctx)
	case "describe":
		return s.cmdDescribe(ctx, args)
	case "save":
		return s.cmdSave(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, `
ecdiag commands:
  interfaces           - List network interfaces
  use <iface>          - Select the interface to scan
  scan                 - Discover SubDevices
  devices              - Show SubDevices of the last scan
  state <preop|safeop|op>
                       - Move the group to a state
  exchange             - Run one process-data exchange (group in Op)
  describe <address>   - Read the device name through the CoE mailbox
  save <file>          - Write the last scan summary as CBOR
  help                 - Show this help
  exit                 - Leave the shell`)
}

func (s *shell) cmdUse(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: use <iface>")
	}
	s.env.iface = args[0]
	s.group = nil

	return nil
}

func (s *shell) cmdScan(ctx context.Context) error {
	if s.env.iface == "" {
		return errNoInterface
	}

	g, err := s.env.master.Scan(ctx, s.env.iface)
	if err != nil {
		return err
	}
	s.group = g
	printSummary(s.out, g.Summary())

	return nil
}

func (s *shell) cmdState(ctx context.Context, args []string) error {
	if s.group == nil {
		return errNoGroup
	}
	if len(args) != 1 {
		return errors.New("usage: state <preop|safeop|op>")
	}

	var into func(context.Context, *ecat.Link) error
	switch strings.ToLower(args[0]) {
	case "preop":
		into = s.group.IntoPreOp
	case "safeop":
		into = s.group.IntoSafeOp
	case "op":
		into = s.group.IntoOp
	default:
		return fmt.Errorf("unknown state %q", args[0])
	}

	err := s.env.master.WithTransport(ctx, s.env.iface, func(link *ecat.Link) error {
		return into(ctx, link)
	})
	fmt.Fprintf(s.out, "Group state: %s\n", s.group.State())

	return err
}

func (s *shell) cmdExchange(ctx context.Context) error {
	if s.group == nil {
		return errNoGroup
	}

	err := s.env.master.WithTransport(ctx, s.env.iface, func(link *ecat.Link) error {
		return s.group.Exchange(ctx, link)
	})
	if err != nil {
		return err
	}

	s.group.Each(func(sd *ecat.SubDevice, io ecat.IO) {
		fmt.Fprintf(s.out, "%#06x %-20s out % x  in % x\n", sd.Address(), sd.Name(), io.Outputs(), io.Inputs())
	})

	return nil
}

func (s *shell) cmdDescribe(ctx context.Context, args []string) error {
	if s.group == nil {
		return errNoGroup
	}
	if len(args) != 1 {
		return errors.New("usage: describe <address>")
	}

	addr, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	sd, err := s.group.Lookup(uint16(addr))
	if err != nil {
		return err
	}

	return s.env.master.WithTransport(ctx, s.env.iface, func(link *ecat.Link) error {
		name, err := s.group.Description(ctx, link, sd)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s: %s\n", sd, name)

		return nil
	})
}

func (s *shell) cmdSave(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: save <file>")
	}

	summary := s.env.master.LastSummary()
	if summary == nil {
		return errNoGroup
	}
	if err := saveSummary(args[0], summary); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Saved %d SubDevice(s) to %s\n", len(summary.SubDevices), args[0])

	return nil
}
