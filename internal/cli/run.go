package cli

import (
	"context"
	"io"
	"strings"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/exec"
	"github.com/spf13/cobra"
)

// RunOptions holds the inputs for one "sshutil run".
type RunOptions struct {
	Host    string
	Command string
	Dir     string
	Local   bool
	Env     envOptions
}

var (
	runDir    string
	runLocal  bool
	runPolicy string
)

var runCmd = &cobra.Command{
	Use:   "run <host> <command...>",
	Short: "Run a command on a host",
	Long: `Run a command on a host from its working directory.

The command runs under sh -c in the directory configured for the host, or
the login directory when none is set. Its exit status becomes sshutil's.

Examples:
  sshutil run box "make test"
  sshutil run admin@10.0.0.5:2222 ls -la
  sshutil run --dir /var/log box tail -n 20 syslog`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := currentEnvOptions()
		env.Policy = runPolicy
		return Run(cmd.Context(), RunOptions{
			Host:    args[0],
			Command: strings.Join(args[1:], " "),
			Dir:     runDir,
			Local:   runLocal,
			Env:     env,
		}, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runDir, "dir", "", "directory to run in (overrides the host's dir)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "run on this machine instead")
	runCmd.Flags().StringVar(&runPolicy, "cache", "", "connection cache policy: shared or none")
}

// Run runs opts.Command and copies its output to stdout and stderr.
// A non-zero exit comes back as an *errors.ExitError.
func Run(ctx context.Context, opts RunOptions, stdout, stderr io.Writer) error {
	if strings.TrimSpace(opts.Command) == "" {
		return errors.New(errors.ErrExec,
			"What should I run?",
			"Usage: sshutil run <host> <command>  (e.g., sshutil run box \"ls -la\")")
	}

	e, err := loadEnv(opts.Env)
	if err != nil {
		return err
	}
	defer e.close(stderr)

	h, err := e.host(ctx, opts.Host, opts.Dir, opts.Local)
	if err != nil {
		return err
	}

	code, out, errOut, err := h.RunStatusStderr(ctx, opts.Command)
	_, _ = io.WriteString(stdout, out)
	_, _ = io.WriteString(stderr, errOut)
	if err != nil {
		return err
	}

	if code != 0 {
		if notFound := exec.NotFoundError(h.String(), opts.Command, errOut, code); notFound != nil {
			return notFound
		}
		return errors.NewExitError(code)
	}
	return nil
}
