package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ecuprobe",
		Short: "UDS/XCP probing and testing toolkit for automotive ECUs",
		Long: `ecuprobe probes automotive ECUs over CAN, ISO-TP, DoIP, TCP, UDP and
Unix sockets. It discovers XCP endpoints, scans UDS identifier ranges,
collects security-access seeds, fuzzes diagnostic services and hosts a
virtual ECU for harness testing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (yaml)")
	rootCmd.PersistentFlags().String("target", "", "Target URI, e.g. tcp://10.0.2.5:3496 or isotp://can0?src_addr=0x7E0&dst_addr=0x7E8")
	rootCmd.PersistentFlags().String("output-dir", "", "Artifact output directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-file", "", "Log file path")
	rootCmd.PersistentFlags().Bool("pcap", false, "Record every exchanged PDU to a pcap file")
	rootCmd.PersistentFlags().Int("timeout", 0, "UDS request timeout in milliseconds")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newSeedsCmd())
	rootCmd.AddCommand(newFuzzCmd())
	rootCmd.AddCommand(newPrimitiveCmd())
	rootCmd.AddCommand(newXCPCmd())
	rootCmd.AddCommand(newVECUCmd())
	rootCmd.AddCommand(newRerunCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
