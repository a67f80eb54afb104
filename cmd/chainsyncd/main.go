package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainsync-core/chaincfg"
	"chainsync-core/config"
	"chainsync-core/database"
	"chainsync-core/monitor"
	"chainsync-core/network"
	"chainsync-core/syncpool"
	"chainsync-core/tor"
	"chainsync-core/workpool"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const metricsNamespace = "chainsync"

func parseLogLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chainsyncd",
		Short:         "Header-first block synchronization node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.FromViper(v))
		},
	}

	flags := cmd.Flags()
	flags.String("network", v.GetString(config.KeyNetwork), "network to join (mainnet, testnet, regtest)")
	flags.String("log-level", v.GetString(config.KeyLogLevel), "log level")
	flags.String("p2p-addr", v.GetString(config.KeyP2PAddr), "P2P listen address, empty to disable")
	flags.String("data-dir", v.GetString(config.KeyDataDir), "directory of the block database")
	flags.String("seed-nodes", v.GetString(config.KeySeedNodes), "comma separated extra seed nodes")
	flags.String("metrics-addr", v.GetString(config.KeyMetricsAddr), "prometheus listen address, empty to disable")
	flags.Bool("tor", v.GetBool(config.KeyTorEnabled), "dial peers through the Tor SOCKS5 proxy")

	for key, name := range map[string]string{
		config.KeyNetwork:     "network",
		config.KeyLogLevel:    "log-level",
		config.KeyP2PAddr:     "p2p-addr",
		config.KeyDataDir:     "data-dir",
		config.KeySeedNodes:   "seed-nodes",
		config.KeyMetricsAddr: "metrics-addr",
		config.KeyTorEnabled:  "tor",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func setupLogging(cfg *config.Config) (func(), error) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(parseLogLevel(cfg.LogLevel))

	if cfg.LogFile == "" {
		return func() {}, nil
	}
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
	}
	logrus.SetOutput(file)
	return func() { file.Close() }, nil
}

// networkConfig maps the daemon settings onto the node's connection policy.
func networkConfig(cfg *config.Config) network.Config {
	netCfg := network.DefaultConfig()
	netCfg.ListenAddr = cfg.P2PAddr
	netCfg.MaxPeers = cfg.MaxPeers
	netCfg.MinPeers = cfg.MinPeers
	netCfg.ConnectTimeout = cfg.ConnectTimeout
	netCfg.HandshakeTimeout = cfg.HandshakeTimeout
	netCfg.ReadTimeout = cfg.ReadTimeout
	netCfg.WriteTimeout = cfg.WriteTimeout
	netCfg.IdleTimeout = cfg.IdleTimeout
	netCfg.RecycleInterval = cfg.RecycleInterval
	netCfg.PollInterval = cfg.PollInterval
	netCfg.MaxViolations = cfg.MaxViolations
	netCfg.VerifyChecksum = cfg.VerifyChecksum
	netCfg.DumpMessages = cfg.LogLevel == "trace"
	return netCfg
}

func run(cfg *config.Config) error {
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	params, err := chaincfg.ForNetwork(cfg.Network)
	if err != nil {
		return err
	}
	log := logrus.WithField("network", params.Name)
	log.WithFields(logrus.Fields{
		"p2p_addr": cfg.P2PAddr,
		"data_dir": cfg.DataDir,
	}).Info("Starting chainsync node")

	var (
		storeMetrics = database.NopMetrics()
		poolMetrics  = syncpool.NopMetrics()
		p2pMetrics   = network.NopMetrics()
		workMetrics  = workpool.NopMetrics()
	)
	if cfg.MetricsAddr != "" {
		storeMetrics = database.PrometheusMetrics(metricsNamespace)
		poolMetrics = syncpool.PrometheusMetrics(metricsNamespace)
		p2pMetrics = network.PrometheusMetrics(metricsNamespace)
		workMetrics = workpool.PrometheusMetrics(metricsNamespace)
	}

	torClient, err := tor.NewClient(tor.Config{
		Enabled:   cfg.TorEnabled,
		ProxyAddr: cfg.TorProxyAddr,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize Tor (required): %w", err)
	}
	torStatus := "disabled"
	if torClient.IsEnabled() {
		torStatus = fmt.Sprintf("enabled (%s)", torClient.ProxyAddr())
	}

	store, err := database.Open(cfg.DataDir, cfg.CacheSize, storeMetrics)
	if err != nil {
		return fmt.Errorf("failed to open block store: %w", err)
	}
	defer store.Close()

	pools, err := syncpool.New(store, params.GenesisPrevHash,
		syncpool.WithLogger(log),
		syncpool.WithMetrics(poolMetrics))
	if err != nil {
		return fmt.Errorf("failed to load chain tip: %w", err)
	}

	bus := monitor.NewBus(log)
	if err := bus.Subscribe(func(s monitor.Snapshot) {
		log.WithField("status", s.String()).Info("Sync status")
	}); err != nil {
		return err
	}
	defer bus.Unsubscribe()

	book := network.NewAddressBook(params, cfg.TorEnabled)
	book.AddSeedNodes(cfg.SeedNodes)

	netCfg := networkConfig(cfg)

	pool := workpool.New(cfg.Workers, log, workpool.WithMetrics(workMetrics))
	node := network.NewNode(netCfg, params, network.NewSyncState(pools, bus), store, pool, book,
		network.WithNodeLogger(log),
		network.WithNodeMetrics(p2pMetrics),
		network.WithDialer(torClient))

	tip := pools.BlockTip()
	fmt.Printf("Chainsync Node [%s] | Tor: %s | Height: %d | Workers: %d\n",
		params.Name, torStatus, tip.Height, cfg.Workers)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server error")
			}
		}()
		log.Infof("Metrics listening on %s", cfg.MetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- node.Wait() }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("Node exited")
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	log.Info("Stopping node...")
	node.Stop()
	log.Info("Shutdown complete")
	return nil
}

func main() {
	v := config.New()
	if err := newRootCmd(v).Execute(); err != nil {
		logrus.WithError(err).Error("chainsyncd failed")
		os.Exit(1)
	}
}
