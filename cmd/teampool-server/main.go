package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teampool/teampool-server/internal/allocator"
	"github.com/teampool/teampool-server/internal/api"
	"github.com/teampool/teampool-server/internal/auth"
	"github.com/teampool/teampool-server/internal/claims"
	"github.com/teampool/teampool-server/internal/config"
	"github.com/teampool/teampool-server/internal/events"
	"github.com/teampool/teampool-server/internal/provider"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/syncer"
	"github.com/teampool/teampool-server/internal/vault"
	"github.com/teampool/teampool-server/internal/warranty"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/teampool-server.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Connect to database
	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()
	store.ConfigurePool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)

	log.Info().Msg("Connected to database")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	if err := auth.BootstrapAdminPassword(ctx, store, cfg.Admin.Password); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap admin password")
	}

	// Token vault
	tokenVault, err := vault.NewFromBase64(cfg.Vault.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token vault")
	}

	// Provider client
	providerClient, err := provider.NewClient(provider.Config{
		BaseURL:      cfg.Provider.BaseURL,
		Timeout:      cfg.Provider.Timeout,
		ProxyEnabled: cfg.Provider.ProxyEnabled,
		ProxyURL:     cfg.Provider.ProxyURL,
		UserAgent:    cfg.Provider.UserAgent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize provider client")
	}

	// Optional NATS event publishing
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Server.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without events")
		} else {
			defer nc.Close()
			publisher = events.New(nc)
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Domain components
	alloc := allocator.New(store, tokenVault, providerClient, allocator.Config{
		InviteRetry: provider.RetryPolicy{
			Attempts: cfg.Provider.InviteRetries,
			Delay:    cfg.Provider.InviteRetryDelay,
		},
		InviteTimeout:        cfg.Provider.InviteTimeout,
		MaxCandidateAttempts: cfg.Provider.MaxCandidateAttempts,
		WarrantyWindow:       cfg.Warranty.Window,
	})
	ledger := warranty.New(store, cfg.Warranty.QueryThrottle)
	teamSyncer := syncer.New(store, tokenVault, providerClient, publisher, syncer.Config{
		Interval: cfg.Sync.Interval,
		Retry: provider.RetryPolicy{
			Attempts: cfg.Sync.RetryCount,
			Delay:    cfg.Sync.RetryDelay,
		},
		ErrorBudget: cfg.Sync.ErrorBudget,
	})

	apiServer := api.NewRESTServer(cfg, api.Deps{
		Store:     store,
		Allocator: alloc,
		Warranty:  ledger,
		Syncer:    teamSyncer,
		Vault:     tokenVault,
		Claims:    claims.NewDecoder(cfg.Claims.StrictVerify, cfg.Claims.Secret),
		Events:    publisher,
	})

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Start team synchronizer
	if cfg.Sync.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			teamSyncer.Run(ctx)
		}()
	} else {
		log.Info().Msg("Team synchronizer disabled")
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Team pool server stopped")
}
