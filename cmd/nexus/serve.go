// ABOUTME: Serve subcommand: wires the store, registry, gateway, queue, and HTTP server
// ABOUTME: Owns startup order, readiness probes, and graceful shutdown

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/itamar-marom/oblivion/internal/api"
	"github.com/itamar-marom/oblivion/internal/auth"
	"github.com/itamar-marom/oblivion/internal/config"
	"github.com/itamar-marom/oblivion/internal/events"
	"github.com/itamar-marom/oblivion/internal/gateway"
	"github.com/itamar-marom/oblivion/internal/presence"
	"github.com/itamar-marom/oblivion/internal/processor"
	"github.com/itamar-marom/oblivion/internal/providers"
	"github.com/itamar-marom/oblivion/internal/queue"
	"github.com/itamar-marom/oblivion/internal/store"
	"github.com/itamar-marom/oblivion/internal/tasks"
	"github.com/itamar-marom/oblivion/internal/webhook"
)

// notifierProxy breaks the construction cycle between the gateway and
// the task service: the service needs a notifier before the gateway
// exists.
type notifierProxy struct {
	gw *gateway.Gateway
}

func (p *notifierProxy) EmitToAgent(ctx context.Context, agentID string, env events.Envelope) (bool, error) {
	return p.gw.EmitToAgent(ctx, agentID, env)
}

func (p *notifierProxy) EmitToMany(ctx context.Context, agentIDs []string, env events.Envelope) int {
	return p.gw.EmitToMany(ctx, agentIDs, env)
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Redis:     %s\n", cfg.Redis.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting nexus",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	registry := presence.New(rdb, cfg.PresenceTTL(), time.Now)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	chat := providers.NewChat(cfg.Providers.Chat.APIBase, cfg.Providers.Chat.BotToken)
	tracker := providers.NewTracker(cfg.Providers.Tracker.APIBase, cfg.Providers.Tracker.APIToken)

	// A disabled provider stays out of the wiring entirely; the service
	// treats a nil poster as "integration off".
	var chatPoster tasks.ChatPoster
	if chat.Enabled() {
		chatPoster = chat
	} else {
		logger.Warn("chat provider disabled, task announcements off")
	}
	var trackerPoster tasks.TrackerPoster
	if tracker.Enabled() {
		trackerPoster = tracker
	} else {
		logger.Warn("tracker provider disabled, comment mirroring off")
	}

	proxy := &notifierProxy{}
	service := tasks.New(st, proxy, chatPoster, trackerPoster)
	gw := gateway.New(registry, verifier, service)
	proxy.gw = gw

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	enqueuer := queue.NewEnqueuer(redisOpt, cfg.Queue.MaxRetry)
	defer enqueuer.Close()

	receiver := webhook.NewReceiver(enqueuer, cfg.Providers.Chat.SigningSecret, cfg.Providers.Tracker.WebhookSecret)
	defer receiver.Close()

	proc := processor.New(redisOpt, service, st, tracker, cfg.Queue.Concurrency)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting processor: %w", err)
	}
	defer proc.Shutdown()

	apiServer := api.New(service, verifier, gw.HandleAgentSocket, receiver,
		st.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	gw.Shutdown(shutdownCtx)
	return nil
}
