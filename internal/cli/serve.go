package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rileyhilliard/sshutil/internal/config"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/metrics"
	"github.com/rileyhilliard/sshutil/internal/sshserver"
	"github.com/rileyhilliard/sshutil/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

// shutdownTimeout bounds how long serve waits for sessions after a signal.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds the inputs for one "sshutil serve". Zero fields keep
// the values from the config file's server section.
type ServeOptions struct {
	Address        string
	Port           int
	PortSet        bool // Port was given; 0 then means an ephemeral port
	Dir            string
	Password       string
	MetricsAddress string
	Env            envOptions

	// Ready, when set, is called once the server is listening.
	Ready func(srv *sshserver.Server, metricsAddr string)
}

var (
	serveAddress        string
	servePort           int
	serveDir            string
	servePassword       string
	serveMetricsAddress string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the built-in SSH server",
	Long: `Run an SSH server that executes commands with /bin/sh and serves sftp.

The server tries ports from server.port upwards, server.port_range ports in
all, and prints the one it bound. It stops on Ctrl-C or SIGTERM.

Examples:
  sshutil serve --password admin
  sshutil serve --port 0 --metrics-address 127.0.0.1:9100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Serve(cmd.Context(), ServeOptions{
			Address:        serveAddress,
			Port:           servePort,
			PortSet:        cmd.Flags().Changed("port"),
			Dir:            serveDir,
			Password:       servePassword,
			MetricsAddress: serveMetricsAddress,
			Env:            currentEnvOptions(),
		}, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "address to listen on (default: server.address)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "first port to try; 0 picks a free one (default: server.port)")
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "directory commands start in (default: server.dir)")
	serveCmd.Flags().StringVar(&servePassword, "password", "", "password to accept (default: server.password)")
	serveCmd.Flags().StringVar(&serveMetricsAddress, "metrics-address", "", "serve Prometheus metrics here (default: server.metrics_address)")
}

// Serve runs the SSH server until ctx is done.
func Serve(ctx context.Context, opts ServeOptions, w io.Writer) error {
	cfg, _, err := config.LoadOrDefault(opts.Env.ConfigPath)
	if err != nil {
		return err
	}
	cfg.Server = mergeServerConfig(cfg.Server, opts)
	sc := cfg.Server
	if err := config.Validate(cfg); err != nil {
		return err
	}

	controller, err := serverController(sc)
	if err != nil {
		return err
	}

	var hostKeys []ssh.Signer
	if sc.HostKey != "" {
		key, err := sshserver.LoadOrCreateHostKey(sc.HostKey)
		if err != nil {
			return err
		}
		hostKeys = append(hostKeys, key)
	}

	collector := metrics.NewCollector()
	log := opts.Env.Logger
	if log == nil {
		log = newLogger("[server]")
	}

	srv, err := sshserver.New(sshserver.Options{
		Address:    sc.Address,
		Port:       sc.Port,
		PortRange:  sc.PortRange,
		HostKeys:   hostKeys,
		Controller: controller,
		Dir:        sc.Dir,
		Logger:     log,
		Metrics:    collector,
	})
	if err != nil {
		return err
	}

	var metricsAddr string
	var metricsServer *http.Server
	if sc.MetricsAddress != "" {
		metricsServer, metricsAddr, err = serveMetrics(sc.MetricsAddress, collector)
		if err != nil {
			_ = srv.Close()
			srv.Join()
			return err
		}
	}

	pairs := [][2]string{{"address", srv.Addr()}}
	if metricsAddr != "" {
		pairs = append(pairs, [2]string{"metrics", "http://" + metricsAddr + "/metrics"})
	}
	ui.PrintSuccess(w, "SSH server listening")
	fmt.Fprint(w, ui.RenderKeyValues(pairs))

	if opts.Ready != nil {
		opts.Ready(srv, metricsAddr)
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return srv.Err()
}

func mergeServerConfig(sc config.ServerConfig, opts ServeOptions) config.ServerConfig {
	if opts.Address != "" {
		sc.Address = opts.Address
	}
	if opts.PortSet || opts.Port != 0 {
		sc.Port = opts.Port
	}
	if opts.Dir != "" {
		sc.Dir = opts.Dir
	}
	if opts.Password != "" {
		sc.Password = opts.Password
	}
	if opts.MetricsAddress != "" {
		sc.MetricsAddress = opts.MetricsAddress
	}
	if sc.Username == "" {
		sc.Username = os.Getenv("USER")
	}
	return sc
}

// serverController accepts the configured password, the authorized keys,
// or either.
func serverController(sc config.ServerConfig) (sshserver.Controller, error) {
	var controllers sshserver.AnyController
	if sc.Password != "" {
		controllers = append(controllers, sshserver.UserPassController{
			Username: sc.Username,
			Password: sc.Password,
		})
	}
	if sc.AuthorizedKeys != "" {
		keys, err := sshserver.LoadAuthorizedKeys(sc.AuthorizedKeys)
		if err != nil {
			return nil, err
		}
		controllers = append(controllers, sshserver.AuthorizedKeysController{Keys: keys})
	}

	if len(controllers) == 0 {
		return nil, errors.New(errors.ErrConfig,
			"The server has no way to let anyone log in",
			"Set server.password or server.authorized_keys, or pass --password.")
	}
	return controllers, nil
}

func serveMetrics(address string, collector *metrics.Collector) (*http.Server, string, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, "", errors.WrapWithCode(err, errors.ErrConfig, "Couldn't register metrics", "")
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.ErrBind,
			"Couldn't listen for metrics on "+address,
			"Pick another --metrics-address, or leave it empty to disable metrics.")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = server.Serve(ln) }()

	return server, ln.Addr().String(), nil
}
