package config

import (
	"testing"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"future version", func(c *Config) { c.Version = CurrentConfigVersion + 1 }, "from the future"},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, "connect_timeout"},
		{"unknown policy", func(c *Config) { c.Cache.Policy = "pooled" }, "unknown cache policy 'pooled'"},
		{"empty policy", func(c *Config) { c.Cache.Policy = "" }, ""},
		{"negative idle", func(c *Config) { c.Cache.IdleTimeout = -1 }, "idle_timeout"},
		{"negative flush", func(c *Config) { c.Cache.FlushTimeout = -1 }, "flush_timeout"},
		{"host without address", func(c *Config) { c.Hosts["box"] = Host{} }, "host 'box' has no address"},
		{"host bad name", func(c *Config) { c.Hosts["me@box"] = Host{Address: "box"} }, "can't contain"},
		{"host bad port", func(c *Config) { c.Hosts["box"] = Host{Address: "box", Port: 70000} }, "port 70000"},
		{"server bad port", func(c *Config) { c.Server.Port = -1 }, "server.port -1"},
		{"server range past end", func(c *Config) { c.Server.Port = 65500 }, "runs past 65535"},
		{"server ephemeral", func(c *Config) { c.Server.Port = 0 }, ""},
		{"server negative range", func(c *Config) { c.Server.PortRange = -5 }, "port_range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.IsCode(err, errors.ErrConfig))
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestHostNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hosts["zeta"] = Host{Address: "z"}
	cfg.Hosts["alpha"] = Host{Address: "a"}
	assert.Equal(t, []string{"alpha", "zeta"}, HostNames(cfg))
}
