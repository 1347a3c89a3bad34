package cli

import (
	"context"
	"io"

	"github.com/rileyhilliard/sshutil/internal/config"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/host"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/ui"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// envOptions are the inputs every connecting command shares.
type envOptions struct {
	ConfigPath  string
	Policy      string // overrides cache.policy when set
	AskPassword bool
	Logger      logger.Logger
}

// env is the loaded config plus the dialer and cache built from it.
// close must be called to flush the cache.
type env struct {
	cfg    *config.Config
	path   string
	dialer *sshutil.Dialer
	cache  host.Cache
	opts   envOptions
	log    logger.Logger
}

func currentEnvOptions() envOptions {
	return envOptions{
		ConfigPath:  cfgFile,
		AskPassword: askPassword,
		Logger:      newLogger("[sshutil]"),
	}
}

func loadEnv(opts envOptions) (*env, error) {
	cfg, path, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Policy != "" {
		cfg.Cache.Policy = opts.Policy
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	log := logger.OrDefault(opts.Logger)
	dialer := sshutil.NewDialer(cfg.DialerOptions(log))
	cache, err := host.NewCache(host.CachePolicy(cfg.Cache.Policy), dialer, host.CacheOptions{
		IdleTimeout: cfg.Cache.IdleTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, path: path, dialer: dialer, cache: cache, opts: opts, log: log}, nil
}

// host resolves ref and opens a Host on it. dir overrides the configured
// directory when set.
func (e *env) host(ctx context.Context, ref, dir string, local bool) (*host.Host, error) {
	if ref == "" {
		return nil, errors.New(errors.ErrConfig,
			"Which host?",
			"Pass a host name from .sshutil.yaml or user@host[:port].")
	}

	r := e.cfg.Resolve(ref)
	if dir == "" {
		dir = r.Dir
	}
	if e.opts.AskPassword && !local {
		password, err := promptPassword(r.Target.String() + "'s password: ")
		if err != nil {
			return nil, err
		}
		r.Target.Credential.Password = password
	}

	return host.New(ctx, host.Options{
		Target: r.Target,
		Cache:  e.cache,
		Dir:    dir,
		Local:  local,
		Logger: e.log,
	})
}

// close flushes the cache, waiting at most cache.flush_timeout for open
// sessions. A forced flush is reported on w but is not an error.
func (e *env) close(w io.Writer) {
	ctx := context.Background()
	if t := e.cfg.Cache.FlushTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := e.cache.Flush(ctx); err != nil {
		ui.PrintWarning(w, "closed connections before their sessions finished: %v", err)
	}
}
