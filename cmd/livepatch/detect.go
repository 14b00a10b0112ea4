package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Identify the build of the target and print its named addresses",
	Args:  cobra.NoArgs,
	RunE:  runDetect,
}

func runDetect(cmd *cobra.Command, args []string) error {
	engine, detach, err := attach(logger())
	if err != nil {
		return err
	}
	defer detach()

	res := engine.Resolution()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "outcome: %s\n", res.Outcome)
	if res.Version != "" {
		fmt.Fprintf(out, "version: %s\n", res.Version)
	}
	if res.Profile == nil {
		return nil
	}
	fmt.Fprintf(out, "build:   %s\n", res.Profile.ID())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, name := range res.Profile.Names() {
		addr, _ := res.Profile.Address(name)
		fmt.Fprintf(tw, "  %s\t%#x\n", name, addr)
	}
	return tw.Flush()
}
