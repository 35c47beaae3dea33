package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/peerlink/shared/metrics"
	"github.com/netbirdio/peerlink/util"
)

const shutdownTimeout = 30 * time.Second

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "peerlink",
		Short:         "Peerlink node",
		Long:          "Peerlink node keeps authenticated peer connections alive and relays their messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
	}
)

func init() {
	_ = util.InitLog("info", util.LogConsole)
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ListenAddress, "listen-address", "l", ":8080", "listen address of the websocket endpoint and the status api")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.TCPListenAddress, "tcp-listen-address", "", "listen address for plain TCP peer connections, disabled if empty")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.AdvertiseAddress, "advertise-address", "a", "", "address announced to the remote peers")
	rootCmd.PersistentFlags().StringSliceVarP(&cobraConfig.Bootstrap, "bootstrap", "b", nil, "peers to connect to on startup, e.g. ws://10.0.0.1:8080/peerlink or tcp://10.0.0.1:9000")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.Kind, "kind", "node", "kind of this peer: node or client")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.PrivateKey, "private-key", "", "base64 encoded private key, a new one is generated if empty")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.HeartbeatPeriod, "heartbeat-period", 20*time.Second, "heartbeat period of idle connections")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.InactivityPeriod, "inactivity-period", 2*time.Minute, "a connection without any inbound frame in this period is dropped")
	rootCmd.PersistentFlags().IntVar(&cobraConfig.MetricsPort, "metrics-port", 9090, "metrics endpoint http port. Metrics are accessible under host:metrics-port/metrics")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")
	rootCmd.PersistentFlags().StringSliceVar(&cobraConfig.ClientWhitelist, "client-whitelist", nil, "IP addresses of the allowed clients")
	rootCmd.PersistentFlags().StringSliceVar(&cobraConfig.NodeWhitelist, "node-whitelist", nil, "IP addresses of the allowed nodes")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.WhitelistInterval, "whitelist-interval", 30*time.Second, "how often the whitelist is applied")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func execute(cmd *cobra.Command, args []string) error {
	err := cobraConfig.Validate()
	if err != nil {
		log.Debugf("invalid config: %s", err)
		return fmt.Errorf("invalid config: %s", err)
	}

	err = util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile)
	if err != nil {
		log.Debugf("failed to initialize log: %s", err)
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	metricsServer, err := metrics.NewServer(cobraConfig.MetricsPort, "")
	if err != nil {
		log.Debugf("setup metrics: %v", err)
		return fmt.Errorf("setup metrics: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := newNode(ctx, cobraConfig, metricsServer.Meter)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.Run(); err != nil {
			log.Errorf("failed to run metrics server: %v", err)
		}
	}()

	if err := n.Start(); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return err
	}

	waitForExitSignal()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = shutdownServers(shutdownCtx, metricsServer, n)
	wg.Wait()
	return err
}

func shutdownServers(ctx context.Context, metricsServer *metrics.Server, n *node) error {
	var errs error

	if err := n.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close node: %w", err))
	}

	log.Infof("shutting down metrics server")
	if err := metricsServer.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
	}

	return errs
}
