package main

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgpd/internal/config"
	"github.com/route-beacon/bgpd/internal/db"
	"github.com/route-beacon/bgpd/internal/eventbus"
	"github.com/route-beacon/bgpd/internal/httpapi"
	"github.com/route-beacon/bgpd/internal/kernelmon"
	"github.com/route-beacon/bgpd/internal/maintenance"
	"github.com/route-beacon/bgpd/internal/metrics"
	"github.com/route-beacon/bgpd/internal/rib"
	"github.com/route-beacon/bgpd/internal/session"
	"github.com/route-beacon/bgpd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgpd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the BGP speaker")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgpd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Uint32("local_asn", cfg.Local.ASN),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	producer, err := eventbus.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, tlsCfg, saslMech, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}

	kernelClient, err := kernelmon.NewClient(cfg.Service.KernelMonitorHelper, logger)
	if err != nil {
		logger.Fatal("failed to start kernel route monitor", zap.Error(err))
	}

	routeStore := store.New(pool, logger)
	localID := netip.MustParseAddr(cfg.Local.RouterID)

	manager := rib.NewManager(localID, kernelClient, producer, routeStore, metrics.Sink{}, logger)
	ribDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(ribDone)
	}()

	if networks, err := parseNetworks(cfg.Local.Networks); err != nil {
		logger.Fatal("invalid local.networks entry", zap.Error(err))
	} else if len(networks) > 0 {
		manager.OriginateLocal(networks, cfg.Local.ASN)
	}

	registry := session.NewRegistry(parseListenPort(cfg.Service.BGPListen), logger)
	for name, p := range cfg.Peers {
		fsmCfg := session.Config{
			LocalAS:          cfg.Local.ASN,
			LocalID:          localID,
			RemoteAS:         p.ASN,
			RemoteAddr:       netip.MustParseAddr(p.Address),
			Port:             p.Port,
			HoldTime:         p.HoldTime(),
			KeepaliveTime:    p.KeepaliveTime(),
			ConnectRetryTime: p.ConnectRetryTime(),
			IdleHoldTime:     p.IdleHoldTime(),
			Passive:          p.Passive,
		}
		f := session.NewFSM(session.PeerID(name), fsmCfg, logger, manager, metrics.Sink{})
		registry.Add(f)
		go f.Run()
		f.Start()
		logger.Info("peer configured", zap.String("peer", name), zap.Uint32("asn", p.ASN), zap.String("address", p.Address))
	}

	go func() {
		if err := registry.ListenAndServe(); err != nil {
			logger.Warn("bgp listener stopped", zap.Error(err))
		}
	}()

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, pool, registry, logger.Named("httpapi"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("bgpd started", zap.Int("peers", len(cfg.Peers)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	_ = registry.Close()

	for _, f := range registry.Peers() {
		f.Stop()
	}

	cancel()
	select {
	case <-ribDone:
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for RIB manager to drain")
	}

	if err := producer.Close(shutdownCtx); err != nil {
		logger.Warn("kafka producer close error", zap.Error(err))
	}
	if err := kernelClient.Close(); err != nil {
		logger.Warn("kernel monitor close error", zap.Error(err))
	}

	logger.Info("bgpd stopped")
}

func parseNetworks(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseListenPort(addr string) uint16 {
	_, portStr, found := strings.Cut(addr, ":")
	if !found {
		return 1179
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port == 0 {
		return 1179
	}
	return port
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
