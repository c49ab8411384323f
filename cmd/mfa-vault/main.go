package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tendant/mfa-vault/internal/config"
	httpserver "github.com/tendant/mfa-vault/internal/http"
	"github.com/tendant/mfa-vault/pkg/audit"
	"github.com/tendant/mfa-vault/pkg/auth"
	"github.com/tendant/mfa-vault/pkg/crypto"
	"github.com/tendant/mfa-vault/pkg/repository"
	"github.com/tendant/mfa-vault/pkg/store"
	"github.com/tendant/mfa-vault/pkg/syncer"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	encryptionKey, err := cfg.EncryptionKey()
	if err != nil {
		logger.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}
	cipher, err := crypto.NewAESGCM(encryptionKey)
	if err != nil {
		logger.Error("failed to initialize cipher", "error", err)
		os.Exit(1)
	}

	// Remote slot: Postgres when configured, otherwise an in-memory
	// remote so a single node can run standalone.
	var remote syncer.RemoteSlots
	if cfg.HasDatabase() {
		db, err := repository.NewDB(repository.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		})
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		// The remote slot is allowed to be down at startup. Verification
		// degrades to local slots until it comes back.
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("remote database unreachable, starting degraded", "error", err)
		} else {
			logger.Info("connected to database")
		}
		cancel()

		remote = repository.NewRemoteCredentialsRepository(db)
	} else {
		logger.Warn("no DB_HOST configured, using in-memory remote slot")
		remote = syncer.NewMemoryRemote()
	}

	// Local slot storage
	slots, err := store.NewFileSlots(cfg.DataDir)
	if err != nil {
		logger.Error("failed to initialize local slot storage", "error", err)
		os.Exit(1)
	}

	sink := audit.NewSlogSink(logger)

	coordinator := syncer.NewCoordinator(syncer.Config{
		Attempts:       cfg.SyncAttempts,
		AttemptTimeout: cfg.SyncAttemptTimeout,
		BackoffBase:    cfg.SyncBackoffBase,
	}, remote, cipher, sink, logger)

	credentialStore := store.NewCredentialStore(store.Config{
		DeviceFingerprint: cfg.DeviceFingerprint,
	}, slots, coordinator, logger)

	lockout := auth.NewLockoutGuard(auth.LockoutConfig{
		MaxFailures:     cfg.LockoutMaxFailures,
		FailureWindow:   cfg.LockoutWindow,
		LockoutDuration: cfg.LockoutDuration,
	})

	recoveryService := auth.NewRecoveryService(auth.RecoveryConfig{
		SigningKey: []byte(cfg.BypassSigningKey),
		Issuer:     cfg.MFAIssuer,
	}, slots, credentialStore, sink, logger)
	credentialStore.SetBypassChecker(recoveryService)

	mfaService := auth.NewMFAService(auth.MFAConfig{
		Issuer: cfg.MFAIssuer,
	}, credentialStore, lockout, sink, logger)

	// Create router
	router := httpserver.NewRouter(httpserver.RouterConfig{
		Logger:          logger,
		MFAService:      mfaService,
		RecoveryService: recoveryService,
		RateLimitConfig: cfg.RateLimit,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "addr", addr, "device", cfg.DeviceFingerprint)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Let in-flight remote pushes drain before exit
	coordinator.Wait()

	logger.Info("server stopped")
}
