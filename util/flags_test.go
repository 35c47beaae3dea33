package util

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsFromEnvVars(t *testing.T) {
	var (
		listen    string
		period    time.Duration
		bootstrap []string
	)
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().StringVar(&listen, "listen-address", ":8080", "")
	cmd.PersistentFlags().DurationVar(&period, "heartbeat-period", 20*time.Second, "")
	cmd.PersistentFlags().StringSliceVar(&bootstrap, "bootstrap", nil, "")

	t.Setenv("PL_LISTEN_ADDRESS", ":9999")
	t.Setenv("PL_HEARTBEAT_PERIOD", "5s")
	t.Setenv("PL_BOOTSTRAP", "ws://10.0.0.1:8080/peerlink,ws://10.0.0.2:8080/peerlink")

	SetFlagsFromEnvVars(cmd)

	assert.Equal(t, ":9999", listen)
	assert.Equal(t, 5*time.Second, period)
	require.Len(t, bootstrap, 2)
	assert.Equal(t, "ws://10.0.0.2:8080/peerlink", bootstrap[1])
}

func TestSetFlagsFromEnvVars_CommandLineWins(t *testing.T) {
	var listen string
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().StringVar(&listen, "listen-address", ":8080", "")
	require.NoError(t, cmd.PersistentFlags().Set("listen-address", ":7000"))

	t.Setenv("PL_LISTEN_ADDRESS", ":9999")
	SetFlagsFromEnvVars(cmd)

	assert.Equal(t, ":7000", listen)
}

func TestFlagNameToUpper(t *testing.T) {
	assert.Equal(t, "INACTIVITY_PERIOD", flagNameToUpper("inactivity-period"))
}
