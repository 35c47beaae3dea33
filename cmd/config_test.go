package cmd

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ListenAddress:     ":8080",
		Kind:              "node",
		HeartbeatPeriod:   20 * time.Second,
		InactivityPeriod:  2 * time.Minute,
		WhitelistInterval: 30 * time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "valid", modify: func(c *Config) {}},
		{name: "missing listen address", modify: func(c *Config) { c.ListenAddress = "" }, wantErr: true},
		{name: "invalid kind", modify: func(c *Config) { c.Kind = "relay" }, wantErr: true},
		{name: "client kind", modify: func(c *Config) { c.Kind = "client" }},
		{name: "zero heartbeat", modify: func(c *Config) { c.HeartbeatPeriod = 0 }, wantErr: true},
		{name: "inactivity not above heartbeat", modify: func(c *Config) { c.InactivityPeriod = c.HeartbeatPeriod }, wantErr: true},
		{
			name: "bootstrap urls",
			modify: func(c *Config) {
				c.Bootstrap = []string{"ws://10.0.0.1:8080/peerlink", "wss://example.com/peerlink", "tcp://10.0.0.2:9000"}
			},
		},
		{name: "bootstrap scheme", modify: func(c *Config) { c.Bootstrap = []string{"http://10.0.0.1:8080"} }, wantErr: true},
		{name: "bootstrap without host", modify: func(c *Config) { c.Bootstrap = []string{"tcp://"} }, wantErr: true},
		{name: "whitelist", modify: func(c *Config) { c.ClientWhitelist = []string{"10.0.0.2", "fd00::1"} }},
		{name: "invalid whitelist ip", modify: func(c *Config) { c.NodeWhitelist = []string{"10.0.0"} }, wantErr: true},
		{
			name: "whitelist without interval",
			modify: func(c *Config) {
				c.NodeWhitelist = []string{"10.0.0.1"}
				c.WhitelistInterval = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseIPs(t *testing.T) {
	set, err := parseIPs([]string{"10.0.0.1", "::ffff:10.0.0.2"})
	require.NoError(t, err)

	assert.Contains(t, set, netip.MustParseAddr("10.0.0.1"))
	assert.Contains(t, set, netip.MustParseAddr("10.0.0.2"))
	assert.Len(t, set, 2)
}
