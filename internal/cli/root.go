package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/ui"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"github.com/spf13/cobra"
)

// Global flags
var (
	cfgFile     string
	verbose     bool
	noColor     bool
	askPassword bool
)

var rootCmd = &cobra.Command{
	Use:   "sshutil",
	Short: "Run commands and copy files over shared SSH connections",
	Long: `sshutil runs commands and copies files on remote hosts, reusing one SSH
connection per host for every session it opens. It also includes a small
SSH server for local testing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			ui.DisableColors()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .sshutil.yaml in this or a parent directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print debug logs")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&askPassword, "ask-password", false, "prompt for the SSH password")
}

// Execute runs the root command and exits with its status.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	sshutil.CloseAgent()
	os.Exit(exitStatus(err, os.Stderr))
}

// exitStatus prints err to w unless it only carries an exit code, and
// returns the status the process should exit with.
func exitStatus(err error, w io.Writer) int {
	if err == nil {
		return 0
	}

	var exitErr *errors.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}

	fmt.Fprint(w, ui.RenderError(err))
	if isUnknownCommandError(err) {
		if name := extractUnknownCommand(err); name != "" {
			fmt.Fprintf(w, "\n  To run '%s' on a host: sshutil run <host> %s\n", name, name)
		}
	}
	if code, ok := errors.GetExitCode(err); ok {
		return code
	}
	return 1
}

func isUnknownCommandError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "unknown flag")
}

// extractUnknownCommand pulls foo out of `unknown command "foo" for "sshutil"`.
func extractUnknownCommand(err error) string {
	msg := err.Error()
	start := strings.Index(msg, `"`)
	if start == -1 {
		return ""
	}
	end := strings.Index(msg[start+1:], `"`)
	if end == -1 {
		return ""
	}
	return msg[start+1 : start+1+end]
}

func newLogger(prefix string) logger.Logger {
	if verbose {
		return logger.NewVerboseLogger(prefix)
	}
	return logger.NewEnvLogger(prefix)
}
