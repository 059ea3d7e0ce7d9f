// Command ecdiag is a diagnostic tool for EtherCAT segments: it lists
// interfaces, scans SubDevices, runs the cyclic exchange and offers an
// interactive shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "ecdiag",
		Short: "EtherCAT segment diagnostics",
		Long: `ecdiag discovers the SubDevices of an EtherCAT segment, walks them
through the AL state machine and runs a cyclic process-data exchange.

Use --simulate to run against an in-process segment of echo devices instead
of a network interface.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML configuration file")
	pf.StringVarP(&flags.iface, "interface", "i", "", "Network interface (overrides the configuration file)")
	pf.IntVar(&flags.simulate, "simulate", 0, "Use a simulated segment with N echo devices")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(newInterfacesCmd(flags))
	rootCmd.AddCommand(newScanCmd(flags))
	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newShellCmd(flags))

	return rootCmd
}
