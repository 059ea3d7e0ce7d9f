package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newInterfacesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "interfaces",
		Aliases: []string{"list-ports"},
		Short:   "List network interfaces usable as an EtherCAT port",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.setup(false)
			if err != nil {
				return err
			}

			return printInterfaces(e)
		},
	}
}

func printInterfaces(e *env) error {
	ifaces, err := e.interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	if len(ifaces) == 0 {
		fmt.Fprintln(os.Stdout, "No interfaces found")
		return nil
	}

	for _, info := range ifaces {
		state := "down"
		if info.IsUp {
			state = "up"
		}
		fmt.Fprintf(os.Stdout, "%-20s %-5s %s", info.Name, state, info.Description)
		if len(info.Addresses) > 0 {
			fmt.Fprintf(os.Stdout, " [%s]", strings.Join(info.Addresses, ", "))
		}
		fmt.Fprintln(os.Stdout)
	}

	return nil
}
