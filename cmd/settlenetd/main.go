package main

import (
	// Go Internal Packages
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Local Packages
	"settlenet/pkg/api"
	"settlenet/pkg/config"
	"settlenet/pkg/gateway"
	"settlenet/pkg/ledger"
	ledgermem "settlenet/pkg/ledger/memory"
	ledgerpg "settlenet/pkg/ledger/postgres"
	"settlenet/pkg/logging"
	promcollector "settlenet/pkg/metrics/prometheus"
	"settlenet/pkg/msgauth"
	"settlenet/pkg/notify"
	"settlenet/pkg/routing"
	"settlenet/pkg/settle"

	// External Packages
	"github.com/alecthomas/kingpin/v2"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// LoadConfig loads the default configuration and overrides it with the
// config file specified by the path defined in the config flag.
func LoadConfig() *koanf.Koanf {
	configPathMsg := "Path to the application config file"
	configPath := kingpin.Flag("config", configPathMsg).Short('c').Default("config.yml").String()

	kingpin.Parse()
	k := koanf.New(".")
	_ = k.Load(rawbytes.Provider(config.DefaultConfig), yaml.Parser())
	if *configPath != "" {
		_ = k.Load(file.Provider(*configPath), yaml.Parser())
	}
	return k
}

func main() {
	k := LoadConfig()
	appKonf := config.Config{}

	if err := k.Unmarshal("", &appKonf); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := appKonf.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if !appKonf.IsProdMode {
		k.Print()
	}

	host, _ := os.Hostname()
	logger, err := logging.NewLogger(logging.Config{
		Level:       appKonf.Logger.Level,
		Format:      appKonf.Logger.Format,
		Development: !appKonf.IsProdMode,
		InitialFields: map[string]any{
			"host":    host,
			"service": appKonf.Application,
			"bank":    appKonf.Bank.Code,
		},
	})
	if err != nil {
		log.Fatalf("Cannot build logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := promcollector.NewPrometheusCollector("settlenet")
	prometheus.MustRegister(collector)

	// Ledger backend
	var store ledger.Ledger
	switch appKonf.Ledger.Backend {
	case "postgres":
		pg, err := ledgerpg.NewPostgresLedger(ledgerpg.Config{
			Host:     appKonf.Postgres.Host,
			Port:     appKonf.Postgres.Port,
			User:     appKonf.Postgres.User,
			Password: appKonf.Postgres.Password,
			Database: appKonf.Postgres.Database,
			SSLMode:  appKonf.Postgres.SSLMode,
		})
		if err != nil {
			logger.Fatal("cannot connect to postgres", zap.Error(err))
		}
		defer func() {
			_ = pg.Close()
		}()
		store = pg
	case "memory":
		logger.Warn("running on the in-memory ledger, balances are not durable")
		store = ledgermem.NewMemoryLedger()
	}

	table := routing.NewTable(appKonf.Bank.Code, appKonf.Routing.Peers)
	auth := msgauth.NewAuthenticator(msgauth.NewKeyring(appKonf.Auth.Pairs, appKonf.Auth.Classes))

	gwConfig := gateway.DefaultConfig()
	if appKonf.Gateway.Timeout > 0 {
		gwConfig.Timeout = appKonf.Gateway.Timeout
	}
	if appKonf.Gateway.BreakerConsecutiveFailures > 0 {
		gwConfig.Breaker.ConsecutiveFailures = appKonf.Gateway.BreakerConsecutiveFailures
	}
	if appKonf.Gateway.BreakerOpenTimeout > 0 {
		gwConfig.Breaker.OpenTimeout = appKonf.Gateway.BreakerOpenTimeout
	}
	gw := gateway.New(gwConfig, logger, collector)

	// Notification fan-out
	registry := notify.NewRegistry(notify.RegistryConfig{
		MaxSubscribers: appKonf.Notify.MaxSubscribers,
		Buffer:         appKonf.Notify.SubscriberBuffer,
	})
	var publishers []notify.Publisher
	if appKonf.Redis.Enabled {
		redisPub, err := notify.NewRedisPublisher(notify.RedisPublisherConfig{
			Addr:     appKonf.Redis.Addr,
			Password: appKonf.Redis.Password,
		})
		if err != nil {
			logger.Fatal("cannot create redis publisher", zap.Error(err))
		}
		defer redisPub.Close()
		publishers = append(publishers, redisPub)
	}
	dispatcher := notify.NewDispatcher(registry, notify.DispatcherConfig{
		QueueSize: appKonf.Notify.QueueSize,
		Workers:   appKonf.Notify.Workers,
	}, logger, collector, publishers...)
	defer dispatcher.Close()

	engine, err := settle.New(settle.Config{
		Ledger:  store,
		Table:   table,
		Gateway: gw,
		Auth:    auth,
		Sink:    dispatcher,
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("cannot create settlement engine", zap.Error(err))
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = appKonf.Server.Address
	if appKonf.Server.ReadTimeout > 0 {
		serverConfig.ReadTimeout = appKonf.Server.ReadTimeout
	}
	if appKonf.Server.WriteTimeout > 0 {
		serverConfig.WriteTimeout = appKonf.Server.WriteTimeout
	}

	var metricsHandler http.Handler = promhttp.Handler()
	server := api.NewServer(engine, store, registry, serverConfig, logger, metricsHandler)
	server.Start()
	logger.Info("node started",
		zap.String("bank", appKonf.Bank.Code),
		zap.String("address", serverConfig.Address),
		zap.Int("peers", len(table.Peers())))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
