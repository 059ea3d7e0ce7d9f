package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arloliu/go-ecat/ecat"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type scanFlags struct {
	timeout time.Duration
	output  string
	save    string
}

func newScanCmd(flags *rootFlags) *cobra.Command {
	sf := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover the SubDevices of a segment",
		Long: `Count the SubDevices on the segment, assign their configured addresses,
read their identities and print the resulting process-data layout.`,
		Example: `  # Scan a real segment
  ecdiag scan -i eth1

  # Scan a simulated segment and keep the summary
  ecdiag scan --simulate 3 --save scan.cbor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.setup(true)
			if err != nil {
				return err
			}

			return runScan(cmd.Context(), e, sf)
		},
	}

	cmd.Flags().DurationVar(&sf.timeout, "timeout", 10*time.Second, "Scan timeout")
	cmd.Flags().StringVar(&sf.output, "output", "text", "Output format: text|yaml")
	cmd.Flags().StringVar(&sf.save, "save", "", "Write the scan summary as CBOR to this file")

	return cmd
}

func runScan(ctx context.Context, e *env, sf *scanFlags) error {
	if sf.output != "text" && sf.output != "yaml" {
		return fmt.Errorf("invalid output format '%s'; must be 'text' or 'yaml'", sf.output)
	}

	ctx, cancel := context.WithTimeout(ctx, sf.timeout)
	defer cancel()

	summary, err := e.master.ScanSummary(ctx, e.iface)
	if err != nil {
		return fmt.Errorf("scan %s: %w", e.iface, err)
	}

	if sf.output == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(summary); err != nil {
			return err
		}
		_ = enc.Close()
	} else {
		printSummary(os.Stdout, summary)
	}

	if sf.save != "" {
		return saveSummary(sf.save, summary)
	}

	return nil
}

func printSummary(w io.Writer, s *ecat.Summary) {
	fmt.Fprintf(w, "Scan %s on %s: %d SubDevice(s) in %s\n", s.ScanID, s.Interface, len(s.SubDevices), s.Duration.Round(time.Microsecond))
	fmt.Fprintf(w, "Image: %d output byte(s), %d input byte(s), capacity %d/%d\n\n",
		s.OutputBytes, s.InputBytes, s.Capacity.SubDevices, s.Capacity.ImageBytes)
	printDevices(w, s.SubDevices)
}

func printDevices(w io.Writer, devices []ecat.SubDeviceInfo) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No SubDevices")
		return
	}

	fmt.Fprintf(w, "%-4s %-7s %-20s %-10s %-10s %-10s %-10s %s\n", "POS", "ADDR", "NAME", "VENDOR", "PRODUCT", "OUTPUTS", "INPUTS", "MBX")
	for _, d := range devices {
		mbx := "-"
		if d.Mailbox {
			mbx = "coe"
		}
		fmt.Fprintf(w, "%-4d %#06x %-20s %#08x %#08x %-10s %-10s %s\n",
			d.Position, d.Address, d.Name, d.Identity.VendorID, d.Identity.ProductCode, d.Outputs, d.Inputs, mbx)
	}
}

func saveSummary(path string, s *ecat.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := ecat.EncodeSummaryCBOR(f, s); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode summary: %w", err)
	}

	return f.Close()
}
