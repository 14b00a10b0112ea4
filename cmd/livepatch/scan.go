package main

import (
	"fmt"

	"github.com/pboyd/livepatch"
	"github.com/spf13/cobra"
)

var scanAllFlag bool

var scanCmd = &cobra.Command{
	Use:   "scan PATTERN",
	Short: `Find a byte pattern such as "68 ?? ?? ?? ?? E8" in the target image`,
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().BoolVarP(&scanAllFlag, "all", "a", false, "print every match instead of the first")
}

func runScan(cmd *cobra.Command, args []string) error {
	pattern, err := livepatch.ParsePattern(args[0])
	if err != nil {
		return err
	}

	engine, detach, err := attach(logger(), livepatch.WithProfile(livepatch.NewBuildProfile("scan", nil)))
	if err != nil {
		return err
	}
	defer detach()

	out := cmd.OutOrStdout()
	if !scanAllFlag {
		addr, found, err := engine.FindPattern(pattern)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s: not found", pattern)
		}
		fmt.Fprintf(out, "%#x\n", addr)
		return nil
	}

	addrs, err := engine.FindPatterns(pattern)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Fprintf(out, "%#x\n", addr)
	}
	return nil
}
