package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/config"
	"github.com/sjawhar/pepper/internal/console"
	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/env"
	"github.com/sjawhar/pepper/internal/livekit"
	"github.com/sjawhar/pepper/internal/observability"
	"github.com/sjawhar/pepper/internal/presence"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/server"
	"github.com/sjawhar/pepper/internal/session"
	"github.com/sjawhar/pepper/internal/storage"
	"github.com/sjawhar/pepper/internal/transcript"
)

// environmentSwitch keeps the presence pill in step with toggles.
type environmentSwitch struct {
	*env.Resolver
	projector *presence.Projector
}

func (s environmentSwitch) Toggle() env.Environment {
	next := s.Resolver.Toggle()
	s.projector.SetEnvironment(string(next))
	return next
}

func main() {
	configPath := flag.String("config", "pepper.yaml", "path to the YAML config file")
	envParam := flag.String("env", "", "backend environment: local or production")
	flag.Parse()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pepper: %v\n", err)
		os.Exit(1)
	}
	if *envParam != "" {
		cfg.Environment = *envParam
	}

	logger := observability.InitLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}
	logger.Info().Str("config", *configPath).Msg("pepper: starting")

	metrics := observability.NewMetrics(nil)

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}
	defer func() { _ = store.Close() }()

	resolver := env.NewResolver(store, cfg.LocalURL, cfg.ProductionURL, observability.Component("env"))
	current := resolver.Resolve(env.Inputs{Param: cfg.Environment, Hostname: cfg.PageHost()})
	logger.Info().Str("environment", string(current)).Str("base_url", resolver.BaseURL()).Msg("environment resolved")

	client := backend.NewClient(resolver.BaseURL,
		backend.WithMetrics(metrics),
		backend.WithLogger(observability.Component("backend")),
	)

	transport := livekit.NewTransport(livekit.WithLogger(observability.Component("livekit")))
	controller := room.NewController(client, transport,
		room.WithLogger(observability.Component("room")),
		room.WithAgentName(cfg.AgentName),
		room.WithEnvironment(resolver),
	)

	hub := server.NewHub()
	reconciler := transcript.NewReconciler()
	projector := presence.NewProjector()
	projector.SetEnvironment(string(current))
	projector.SetSink(hub)

	panel := documents.NewPanel(client,
		documents.WithSink(hub),
		documents.WithMetrics(metrics),
		documents.WithLogger(observability.Component("documents")),
	)

	defaults := func() (string, string) { return cfg.Name, cfg.Passcode }
	envSwitch := environmentSwitch{Resolver: resolver, projector: projector}

	broadcasters := session.Broadcasters{hub}
	var term *console.Console
	if cfg.Console {
		term = console.New(os.Stdin, os.Stdout, controller,
			console.WithDocuments(panel),
			console.WithEnvironment(envSwitch),
			console.WithDefaults(defaults),
		)
		broadcasters = append(broadcasters, term)
	}

	manager := session.NewManager(reconciler, projector, store, broadcasters,
		session.WithArchive(storage.NewWriter(cfg.TranscriptsDir)),
		session.WithDocuments(panel, controller),
		session.WithMeta(client),
		session.WithTranscriptMetrics(metrics),
		session.WithLogger(observability.Component("session")),
	)

	controller.Subscribe(manager)
	controller.Subscribe(metrics)
	if term != nil {
		controller.Subscribe(term)
	}

	handler := server.Handler(hub, server.API{
		Calls:       controller,
		Session:     manager,
		Documents:   panel,
		Archive:     store,
		Environment: envSwitch,
		Defaults:    defaults,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx, cfg.ListenAddr, handler); err != nil {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()
	logger.Info().Msgf("pepper: API on http://%s", cfg.ListenAddr)

	if term != nil {
		switch err := term.Run(ctx); {
		case errors.Is(err, console.ErrInputClosed):
			logger.Info().Msg("console input closed, serving API until signalled")
			<-ctx.Done()
		case err != nil:
			logger.Error().Err(err).Msg("console stopped")
			<-ctx.Done()
		default:
			stop()
		}
	} else {
		<-ctx.Done()
	}

	logger.Info().Msg("pepper: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if state, _ := controller.State(); state == room.StateConnected {
		if err := controller.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("hang up failed")
		}
	}
	panel.Wait()
	manager.Wait()
	wg.Wait()
}
