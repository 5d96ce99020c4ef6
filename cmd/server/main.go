package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tillcore/backend/internal/assist"
	"tillcore/backend/internal/audit"
	"tillcore/backend/internal/cache"
	"tillcore/backend/internal/config"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/httpapi"
	"tillcore/backend/internal/logging"
	"tillcore/backend/internal/rates"
	"tillcore/backend/internal/service"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/store/memory"
	pgstore "tillcore/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := validateCommerceConfig(cfg); err != nil {
		logger.Fatal("invalid commerce configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migration failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}
	if err := ensureBaseCurrency(ctx, repo, cfg.BaseCurrency); err != nil {
		logger.Fatal("seed base currency", zap.Error(err))
	}

	currencyCache := cache.CurrencyCache(cache.NoopCurrencyCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCurrencyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
		} else {
			currencyCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, 512, logger)
		logger.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	var rateSource rates.Source
	if cfg.RatesURL != "" {
		rateSource = rates.NewHTTPSource(cfg.RatesURL, 10*time.Second, logger)
	}

	var assistant assist.Suggester = assist.Disabled{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := assist.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, repo, logger)
		if err != nil {
			logger.Warn("assistant unavailable", zap.Error(err))
		} else {
			assistant = gemini
			closers = append(closers, gemini.Close)
			logger.Info("assistant: gemini", zap.String("model", cfg.GeminiModel))
		}
	}

	auditWriter := audit.NewWriter(repo, logger, cfg.AuditBuffer)

	svc := service.New(repo, service.Options{
		Settings:         domain.Settings{TaxRate: cfg.TaxRate, BaseCurrency: cfg.BaseCurrency},
		Auditor:          auditWriter,
		Publisher:        publisher,
		CurrencyCache:    currencyCache,
		CurrencyCacheTTL: time.Duration(cfg.CurrencyCacheTTLSeconds) * time.Second,
		RateSource:       rateSource,
		Logger:           logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, assistant, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("tillcore backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	// Drain side channels before the store they write to is closed.
	auditWriter.Close()
	if err := publisher.Close(); err != nil {
		logger.Warn("close publisher", zap.Error(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.BaseCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY must be a 3-letter code, got %q", cfg.BaseCurrency)
	}
	return nil
}

func validateCommerceConfig(cfg config.Config) error {
	_, err := config.ParseTaxRate(cfg.TaxRateRaw)
	return err
}

// ensureBaseCurrency gives an empty currency table its baseline row so every
// sale can be priced.
func ensureBaseCurrency(ctx context.Context, repo store.Repository, base string) error {
	table, err := repo.ListCurrencies(ctx)
	if err != nil {
		return err
	}
	for _, c := range table {
		if c.Code == base {
			return nil
		}
	}
	if len(table) > 0 {
		return fmt.Errorf("currency table has no row for base currency %s", base)
	}
	return repo.ReplaceCurrencies(ctx, []domain.Currency{{Code: base, Symbol: base, Rate: decimal.NewFromInt(1), Decimals: 2}})
}
