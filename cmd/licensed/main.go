package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"licensegate/internal/config"
	"licensegate/internal/httpapi"
	"licensegate/internal/logging"
	"licensegate/internal/metrics"
	"licensegate/internal/service"
	"licensegate/internal/store"
	"licensegate/internal/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		envFile  = flag.String("env", ".env", "Path of an optional .env file")
		httpAddr = flag.String("http", "", "HTTP listen address (default :$PORT)")
		migrate  = flag.Bool("migrate", false, "Create the store schema and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: "licensed",
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, *httpAddr, *migrate); err != nil {
		logger.Fatal("licensed stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, httpAddr string, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if migrateOnly || cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("store schema ready", zap.String("driver", cfg.StoreDriver))
	}
	if migrateOnly {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	deps := service.Dependencies{Store: st, Logger: logger, Metrics: m}
	issuer := service.NewIssuer(deps, service.IssueDefaults{
		MaxAccounts: cfg.DefaultMaxAccounts,
		Days:        cfg.DefaultLicenseDays,
	})
	engine := service.NewEngine(deps, cfg.StrictActivationLimit)
	deactivator := service.NewDeactivator(deps)

	if httpAddr == "" {
		httpAddr = cfg.Addr()
	}
	api := httpapi.New(httpapi.Options{
		Engine:      engine,
		Deactivator: deactivator,
		Issuer:      issuer,
		AdminSecret: cfg.AdminSecret,
		Logger:      logger,
		Metrics:     m,
		Gatherer:    reg,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	var bot *telegram.Bot
	if cfg.BotEnabled() {
		bot, err = telegram.NewBot(cfg.TelegramBotToken, cfg.TelegramAdminChatID, issuer, deactivator, logger)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if bot != nil {
		g.Go(func() error {
			logger.Info("telegram bot started", zap.Int64("admin_chat_id", cfg.TelegramAdminChatID))
			return bot.Run(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.StoreURL, store.PostgresOptions{
			Password: cfg.StoreCredential,
			MaxConns: cfg.StoreMaxConns,
		})
	case config.DriverMongo:
		return store.OpenMongo(ctx, cfg.StoreURL, store.MongoOptions{
			Database: cfg.MongoDatabase,
			Password: cfg.StoreCredential,
		})
	default:
		return store.OpenBBolt(cfg.BoltPath)
	}
}
