// Command livepatch scans, identifies and patches a running game process.
//
// For CLI usage instructions:
//
//	livepatch help
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pboyd/livepatch"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

var (
	pidFlag     int
	nameFlag    string
	verboseFlag bool
	catalogFlag string
)

var rootCmd = &cobra.Command{
	Use:           "livepatch",
	Short:         "Inspect and patch a running game process",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.IntVarP(&pidFlag, "pid", "p", 0, "target process ID")
	pf.StringVarP(&nameFlag, "name", "n", "", "target process name, used when --pid is not set")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "log debug output")
	pf.StringVar(&catalogFlag, "catalog", "", "YAML build catalog to use instead of the built-in one")

	rootCmd.AddCommand(scanCmd, detectCmd, patchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

// attach opens the target selected by the flags and attaches an engine to
// it. The returned function detaches and closes the target.
func attach(log zerolog.Logger, opts ...livepatch.Option) (*livepatch.Engine, func(), error) {
	pid, err := targetPID()
	if err != nil {
		return nil, nil, err
	}

	proc, err := livepatch.Open(pid)
	if err != nil {
		return nil, nil, err
	}
	closeProc := func() {
		if c, ok := proc.(io.Closer); ok {
			_ = c.Close()
		}
	}

	if catalogFlag != "" {
		f, err := os.Open(catalogFlag)
		if err != nil {
			closeProc()
			return nil, nil, err
		}
		cat, err := livepatch.LoadCatalog(f)
		_ = f.Close()
		if err != nil {
			closeProc()
			return nil, nil, err
		}
		opts = append(opts, livepatch.WithCatalog(cat))
	}

	opts = append([]livepatch.Option{livepatch.WithLogger(log)}, opts...)
	engine, err := livepatch.Attach(proc, opts...)
	if err != nil {
		closeProc()
		return nil, nil, err
	}

	return engine, func() {
		if err := engine.Detach(); err != nil {
			log.Error().Err(err).Msg("detach failed")
		}
		closeProc()
	}, nil
}

func targetPID() (int, error) {
	if pidFlag != 0 {
		return pidFlag, nil
	}
	if nameFlag == "" {
		return 0, errors.New("--pid or --name is required")
	}

	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("listing processes: %w", err)
	}
	var matches []int32
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.EqualFold(name, nameFlag) {
			matches = append(matches, p.Pid)
		}
	}
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("no process named %q", nameFlag)
	case 1:
		return int(matches[0]), nil
	}
	return 0, fmt.Errorf("%d processes named %q, use --pid", len(matches), nameFlag)
}
