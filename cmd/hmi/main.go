// Package main is the exoskeleton HMI container entry point.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/exo-hmi/hmi/internal/fault"
)

// Version is the container release.
const Version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "hmi",
		Short:        "Exoskeleton HMI container",
		SilenceUsage: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the device and serve the HMI API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $HMI_CONFIG or hmi.yaml)")

	decode := &cobra.Command{
		Use:   "decode <error-code>",
		Short: "List the faults set in a device error code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseErrorCode(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "code: %d (0x%08X)\n", code, code)
			for _, name := range fault.Decode(code) {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintf(out, "%s\n", fault.Description(code))
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hmi %s\n", Version)
		},
	}

	root.AddCommand(serve, decode, version)
	return root
}

// parseErrorCode accepts decimal, 0x-prefixed hex and negative 32-bit values
// as the firmware may print them.
func parseErrorCode(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid error code %q: %w", s, err)
		}
		return uint32(int32(v)), nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid error code %q: %w", s, err)
	}
	return uint32(v), nil
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
