package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OnlineMo/OpenAi-Balance/internal/auth"
	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/logger"
	"github.com/OnlineMo/OpenAi-Balance/internal/logstore"
	"github.com/OnlineMo/OpenAi-Balance/internal/provider"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxypool"
	"github.com/OnlineMo/OpenAi-Balance/internal/router"
	"github.com/OnlineMo/OpenAi-Balance/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	settings, warning, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(settings.Debug)
	log.Info("Logger initialized", "debug_mode", settings.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	store, err := logstore.NewStore(settings.Database)
	if err != nil {
		log.Error("Error initializing log store", "error", err)
		os.Exit(1)
	}
	log.Info("Log store initialized", "type", settings.Database.Type)

	if err := run(settings, *configPath, store, log); err != nil {
		os.Exit(1)
	}
}

func run(settings *config.Settings, configPath string, store logstore.Store, log *slog.Logger) error {
	// Dependency root: every manager is created once here and shared
	// by reference; hot reload mutates them in place.
	proxies := proxypool.NewManager(settings.Proxies, settings.ProxyMaxFailures, settings.ProxiesUseConsistencyHash, log)
	checker := proxypool.NewChecker(settings.ProxyCheckURL, time.Duration(settings.ProxyCheckTimeout)*time.Second, log)
	tokens := auth.NewTokenStore(settings.AllowedTokens, settings.AdminToken)

	registry := provider.NewRegistry(proxies, store, log)
	registry.Initialize(settings, log)

	sched := scheduler.New(registry, proxies, checker, store, settings, log)
	if err := sched.Start(); err != nil {
		log.Error("Error starting scheduler", "error", err)
		return err
	}
	defer sched.Stop()

	rt := router.New(registry, proxies, checker, tokens, settings, log)

	watcher := config.NewWatcher(configPath, time.Duration(settings.ConfigCheckIntervalSeconds)*time.Second, log)
	watcher.Subscribe(func(next *config.Settings) {
		registry.Reload(next, log)
		proxies.Reload(next.Proxies, next.ProxyMaxFailures, next.ProxiesUseConsistencyHash)
		checker.Configure(next.ProxyCheckURL, time.Duration(next.ProxyCheckTimeout)*time.Second)
		tokens.Update(next.AllowedTokens, next.AdminToken)
		sched.UpdateSettings(next)
		rt.UpdateSettings(next)
	})
	watcher.Start()
	defer watcher.Stop()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Port),
		Handler: rt.Engine(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", settings.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("Failed to start server", "error", err)
		return err
	case <-quit:
	}
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		return err
	}

	log.Info("Server exiting")
	return nil
}
