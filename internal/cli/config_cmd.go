package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rileyhilliard/sshutil/internal/config"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/ui"
	"github.com/rileyhilliard/sshutil/internal/util"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// InitOptions holds the inputs for "sshutil config init".
type InitOptions struct {
	Path          string // where to write; empty means ./.sshutil.yaml
	Force         bool
	ImportSSH     bool
	SSHConfigPath string // empty means ~/.ssh/config
}

var (
	initForce     bool
	initImport    bool
	initSSHConfig string

	addHostUser     string
	addHostPort     int
	addHostIdentity string
	addHostDir      string
	addHostAgent    bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage .sshutil.yaml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter .sshutil.yaml",
	Long: `Write a .sshutil.yaml with the default settings to the current directory,
or to --config when given.

With --import, hosts from ~/.ssh/config that have an identity file are
added as entries.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return InitConfig(InitOptions{
			Path:          cfgFile,
			Force:         initForce,
			ImportSSH:     initImport,
			SSHConfigPath: initSSHConfig,
		}, cmd.OutOrStdout())
	},
}

var configAddHostCmd = &cobra.Command{
	Use:   "add-host <name> <address>",
	Short: "Add or replace a host in the config file",
	Long: `Add a host entry to the config file found for this directory, keeping
the rest of the file and its comments as they are.

Examples:
  sshutil config add-host box 10.0.0.5 --user admin --dir /srv/app
  sshutil config add-host mini mini-local --agent`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.Find(cfgFile)
		if err != nil {
			return err
		}
		if path == "" {
			return errors.New(errors.ErrConfig,
				"No config file to add the host to",
				"Run 'sshutil config init' first.")
		}
		return AddHost(path, args[0], config.Host{
			Address:      args[1],
			Port:         addHostPort,
			User:         addHostUser,
			IdentityFile: addHostIdentity,
			Agent:        addHostAgent,
			Dir:          addHostDir,
		}, cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ShowConfig(cfgFile, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configAddHostCmd, configShowCmd)

	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().BoolVar(&initImport, "import", false, "add hosts from ~/.ssh/config")
	configInitCmd.Flags().StringVar(&initSSHConfig, "ssh-config", "", "ssh config to import from (default: ~/.ssh/config)")

	configAddHostCmd.Flags().StringVar(&addHostUser, "user", "", "login user")
	configAddHostCmd.Flags().IntVar(&addHostPort, "port", 0, "SSH port")
	configAddHostCmd.Flags().StringVar(&addHostIdentity, "identity-file", "", "private key path")
	configAddHostCmd.Flags().StringVar(&addHostDir, "dir", "", "remote working directory")
	configAddHostCmd.Flags().BoolVar(&addHostAgent, "agent", false, "offer keys from ssh-agent")
}

// InitConfig writes a default config file.
func InitConfig(opts InitOptions, w io.Writer) error {
	path := opts.Path
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig, "Cannot determine current directory", "")
		}
		path = filepath.Join(cwd, config.ConfigFileName)
	}

	if _, err := os.Stat(path); err == nil && !opts.Force {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("%s already exists", path),
			"Use --force to overwrite it.")
	}

	cfg := config.DefaultConfig()
	var imported []string
	if opts.ImportSSH {
		entries, err := readSSHConfig(opts.SSHConfigPath)
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Couldn't read your SSH config",
				"Fix the file, or run without --import.")
		}
		for _, e := range sshutil.FilterHostsWithKeys(entries) {
			cfg.Hosts[e.Alias] = hostFromSSHEntry(e)
			imported = append(imported, e.Alias)
		}
	}

	if err := config.Save(path, cfg); err != nil {
		return err
	}

	ui.PrintSuccess(w, "wrote %s", path)
	if opts.ImportSSH {
		fmt.Fprintf(w, "  imported %d %s: %s\n", len(imported), util.Pluralize(len(imported), "host", "hosts"), util.JoinOrNone(config.HostNames(cfg)))
	}
	return nil
}

func readSSHConfig(path string) ([]sshutil.SSHHostEntry, error) {
	if path == "" {
		return sshutil.ParseSSHConfig()
	}
	return sshutil.ParseSSHConfigFile(path)
}

// hostFromSSHEntry keeps only the alias as the address so ~/.ssh/config
// stays the source of truth for the rest.
func hostFromSSHEntry(e sshutil.SSHHostEntry) config.Host {
	h := config.Host{Address: e.Alias, User: e.User, IdentityFile: e.IdentityFile}
	if port, err := strconv.Atoi(e.Port); err == nil && port != 22 {
		h.Port = port
	}
	return h
}

// AddHost validates h and writes it into the config at path.
func AddHost(path, name string, h config.Host, w io.Writer) error {
	probe := config.DefaultConfig()
	probe.Hosts[name] = h
	if err := config.Validate(probe); err != nil {
		return err
	}
	if err := config.AddHost(path, name, h); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't update "+path, "")
	}
	ui.PrintSuccess(w, "added %s to %s", name, path)
	return nil
}

// ShowConfig prints the effective config as YAML with passwords hidden.
func ShowConfig(explicit string, w io.Writer) error {
	cfg, path, err := config.LoadOrDefault(explicit)
	if err != nil {
		return err
	}

	for name, h := range cfg.Hosts {
		if h.Password != "" {
			h.Password = "********"
			cfg.Hosts[name] = h
		}
	}
	if cfg.Server.Password != "" {
		cfg.Server.Password = "********"
	}

	if path == "" {
		path = "(defaults, no config file found)"
	}
	fmt.Fprintln(w, ui.Heading("# "+path))
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't encode config", "")
	}
	_, err = w.Write(out)
	return err
}
