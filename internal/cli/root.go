package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Exit codes.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
	ExitAborted          = 108
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "thermoload",
		Short:   "Load test a temperature-conversion service",
		Version: version,
		Long: `thermoload drives virtual users through a fixed scenario against a
temperature-conversion backend: a health check and two conversions per
iteration, with checks on status and payload. Thresholds decide whether
the run passes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			_ = cmd.Help()
		},
	}

	root.AddCommand(newRunCmd(newRunOptions(os.Getenv)))
	root.AddCommand(newInspectCmd(os.Getenv))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return ExitError
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "thermoload version %s\n", version)
		},
	}
}
