package cli

import (
	"context"
	"io"

	"github.com/rileyhilliard/sshutil/internal/ui"
	"github.com/spf13/cobra"
)

// PutOptions holds the inputs for one "sshutil put".
type PutOptions struct {
	Host   string
	Source string
	Dest   string
	Local  bool
	Env    envOptions
}

var putLocal bool

var putCmd = &cobra.Command{
	Use:   "put <host> <local-file> <remote-path>",
	Short: "Copy a file to a host",
	Long: `Copy a local file to a host over sftp, keeping its permission bits.

A relative remote path is taken from the host's working directory.

Examples:
  sshutil put box ./build/app bin/app
  sshutil put box deploy.sh /tmp/deploy.sh`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Put(cmd.Context(), PutOptions{
			Host:   args[0],
			Source: args[1],
			Dest:   args[2],
			Local:  putLocal,
			Env:    currentEnvOptions(),
		}, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().BoolVar(&putLocal, "local", false, "copy on this machine instead")
}

// Put copies opts.Source to opts.Dest on the host.
func Put(ctx context.Context, opts PutOptions, stdout, stderr io.Writer) error {
	e, err := loadEnv(opts.Env)
	if err != nil {
		return err
	}
	defer e.close(stderr)

	h, err := e.host(ctx, opts.Host, "", opts.Local)
	if err != nil {
		return err
	}

	if err := h.CopyTo(ctx, opts.Source, opts.Dest); err != nil {
		return err
	}
	ui.PrintSuccess(stdout, "copied %s to %s:%s", opts.Source, h, opts.Dest)
	return nil
}
