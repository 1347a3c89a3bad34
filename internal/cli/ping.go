package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/rileyhilliard/sshutil/internal/config"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/host"
	"github.com/rileyhilliard/sshutil/internal/ui"
	"github.com/rileyhilliard/sshutil/internal/util"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"github.com/spf13/cobra"
)

// PingOptions holds the inputs for one "sshutil ping".
type PingOptions struct {
	Hosts   []string // empty means every configured host
	Timeout time.Duration
	Env     envOptions
}

var pingTimeoutFlag string

var pingCmd = &cobra.Command{
	Use:   "ping [host...]",
	Short: "Check which hosts accept an SSH connection",
	Long: `Open a fresh SSH connection to each host and report how long it took.

With no arguments every host in .sshutil.yaml is checked. Exits 1 when any
host could not be reached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, err := ParseTimeout("timeout", pingTimeoutFlag)
		if err != nil {
			return err
		}
		return Ping(cmd.Context(), PingOptions{
			Hosts:   args,
			Timeout: timeout,
			Env:     currentEnvOptions(),
		}, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().StringVar(&pingTimeoutFlag, "timeout", "", "connect timeout per host (default: connect_timeout)")
}

// Ping probes each host and prints a status table to w.
func Ping(ctx context.Context, opts PingOptions, w io.Writer) error {
	cfg, _, err := config.LoadOrDefault(opts.Env.ConfigPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if opts.Timeout > 0 {
		cfg.ConnectTimeout = opts.Timeout
	}

	refs := opts.Hosts
	if len(refs) == 0 {
		refs = config.HostNames(cfg)
	}
	if len(refs) == 0 {
		return errors.New(errors.ErrConfig,
			"No hosts to ping",
			"Pass hosts as arguments, or add some with 'sshutil config add-host'.")
	}

	targets := make([]sshutil.Target, len(refs))
	for i, ref := range refs {
		targets[i] = cfg.Resolve(ref).Target
	}

	dialer := sshutil.NewDialer(cfg.DialerOptions(opts.Env.Logger))
	results := host.ProbeAll(ctx, dialer, targets)

	rows := make([]ui.StatusTableRow, len(results))
	var failed []string
	for i, r := range results {
		rows[i] = ui.StatusTableRow{
			OK:      r.Success,
			Host:    refs[i],
			Address: r.Target.String(),
		}
		if r.Success {
			rows[i].Latency = r.Latency.Round(time.Millisecond).String()
		} else {
			rows[i].Latency = probeFailure(r.Error)
			failed = append(failed, refs[i])
		}
	}

	fmt.Fprint(w, ui.RenderStatusTable(rows))
	if len(failed) > 0 {
		fmt.Fprintf(w, "\n%d %s unreachable: %s\n", len(failed), util.Pluralize(len(failed), "host", "hosts"), util.JoinOrNone(failed))
		return errors.NewExitError(1)
	}
	return nil
}

func probeFailure(err error) string {
	var pe *host.ProbeError
	if stderrors.As(err, &pe) && pe.Reason != host.ProbeFailUnknown {
		return pe.Reason.String()
	}
	return err.Error()
}
