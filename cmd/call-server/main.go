package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"paidcall/internal/auth"
	"paidcall/internal/billing"
	"paidcall/internal/config"
	"paidcall/internal/database"
	"paidcall/internal/engine"
	"paidcall/internal/events"
	"paidcall/internal/firewall"
	"paidcall/internal/models"
	"paidcall/internal/presence"
	"paidcall/internal/registrar"
	"paidcall/internal/store"
	"paidcall/internal/store/memory"
	"paidcall/internal/store/postgres"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(cfg, os.Args[2:])
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	var (
		users    store.UserStore
		sessions store.SessionStore
	)
	if cfg.DatabaseURL != "" {
		if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		db, err := database.NewConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		users = postgres.NewUserStore(db)
		sessions = postgres.NewSessionStore(db)
	} else {
		mem := memory.New()
		seed(mem)
		users = mem
		sessions = mem.Sessions()
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	// Connection directory
	var dir registrar.Directory
	if cfg.RedisURL != "" {
		reg := registrar.NewRedisRegistrar(cfg.RedisURL, cfg.NodeID)
		if err := reg.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer reg.Close()
		dir = reg
	} else {
		dir = registrar.NewMemoryRegistrar(cfg.NodeID)
	}

	// Domain events
	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, "call-server-"+cfg.NodeID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		pub = np
	}
	defer pub.Close()

	// Initialize Components
	clk := clock.New()
	authn := auth.NewAuthenticator(cfg.JWTSecret)
	if !authn.Enabled() {
		log.Warn().Msg("JWT_SECRET not set, connections are not authenticated")
	}
	fw := firewall.NewFirewall(cfg.FirewallThreshold)
	reg := presence.NewRegistry(users, dir)
	ticker := billing.NewTicker(clk, users, sessions, reg, pub, billing.Config{
		Interval:     cfg.TickInterval,
		CostPerTick:  cfg.CoinsPerTick,
		StoreTimeout: cfg.StoreTimeout,
	})
	cc := engine.NewCallControl(clk, users, sessions, reg, ticker, pub, engine.Config{
		InviteTimeout: cfg.InviteTimeout,
		StoreTimeout:  cfg.StoreTimeout,
	})
	gw := engine.NewGateway(cc, reg, authn, fw, cfg.StoreTimeout)
	api := engine.NewAdminAPI(cc, reg, users, sessions, gw, authn, fw, engine.APIConfig{
		CoinsPerTick:      cfg.CoinsPerTick,
		TickInterval:      cfg.TickInterval,
		InviteTimeout:     cfg.InviteTimeout,
		FirewallThreshold: cfg.FirewallThreshold,
		ICEServers:        iceServers(cfg),
	})

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("node_id", cfg.NodeID).Msg("Call server starting")
		if err := api.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down call server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	cc.Shutdown(shutdownCtx)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("Call server stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func runMigrate(cfg *config.Config, args []string) {
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required for migrations")
	}
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	var err error
	switch cmd {
	case "up":
		err = database.MigrateUp(cfg.DatabaseURL)
	case "down":
		steps := "1"
		if len(args) > 1 {
			steps = args[1]
		}
		err = database.MigrateDown(cfg.DatabaseURL, steps)
	case "status":
		err = database.MigrateStatus(cfg.DatabaseURL)
	default:
		log.Fatal().Str("command", cmd).Msg("Unknown migrate command (use up, down or status)")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("Migration failed")
	}
}

func iceServers(cfg *config.Config) []engine.ICEServer {
	var servers []engine.ICEServer
	if cfg.STUNURL != "" {
		servers = append(servers, engine.ICEServer{URLs: cfg.STUNURL})
	}
	if cfg.TURNURL != "" {
		servers = append(servers, engine.ICEServer{
			URLs:       cfg.TURNURL,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return servers
}

// seed some demo data for the in-memory store
func seed(mem *memory.Store) {
	mem.SaveUser(models.User{ID: "100", Name: "Demo Payer", Role: models.RolePayer, Balance: 500})
	mem.SaveUser(models.User{ID: "200", Name: "Demo Payee", Role: models.RolePayee})
}
