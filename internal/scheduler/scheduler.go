// Package scheduler runs the periodic maintenance jobs: failed-key
// revalidation, proxy probing, and daily log cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/logger"
	"github.com/OnlineMo/OpenAi-Balance/internal/logstore"
	"github.com/OnlineMo/OpenAi-Balance/internal/provider"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxypool"
)

// logRetention is how far back request and error logs are kept by the
// daily cleanup job.
const logRetention = 30 * 24 * time.Hour

// Scheduler wires the cron runner. Each job is chained with
// SkipIfStillRunning so a slow run never overlaps itself; distinct
// jobs run independently.
type Scheduler struct {
	registry *provider.Registry
	proxies  *proxypool.Manager
	checker  *proxypool.Checker
	store    logstore.Store
	logger   *slog.Logger

	mu       sync.Mutex
	settings *config.Settings
	cron     *cron.Cron
}

// New creates a scheduler over the shared managers. store may be nil,
// which disables the log cleanup job's work.
func New(registry *provider.Registry, proxies *proxypool.Manager, checker *proxypool.Checker, store logstore.Store, settings *config.Settings, log *slog.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		proxies:  proxies,
		checker:  checker,
		store:    store,
		settings: settings,
		logger:   log.With("component", "scheduler"),
	}
}

// UpdateSettings swaps the settings snapshot used by subsequent job
// runs. Job cadences are fixed at Start time; only job behavior picks
// up the new values.
func (s *Scheduler) UpdateSettings(settings *config.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

func (s *Scheduler) currentSettings() *config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Start registers the jobs and launches the cron runner.
func (s *Scheduler) Start() error {
	settings := s.currentSettings()

	c := cron.New(
		cron.WithLocation(settings.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if settings.CheckIntervalHours > 0 {
		spec := fmt.Sprintf("@every %dh", settings.CheckIntervalHours)
		if _, err := c.AddFunc(spec, s.checkFailedKeys); err != nil {
			return fmt.Errorf("failed to schedule key check job: %w", err)
		}
		s.logger.Info("Key check job scheduled", "interval_hours", settings.CheckIntervalHours)
	}

	if settings.ProxyAutoCheckEnabled && settings.ProxyCheckIntervalHours > 0 {
		minutes := int(settings.ProxyCheckIntervalHours * 60)
		if minutes < 1 {
			minutes = 1
		}
		spec := fmt.Sprintf("@every %dm", minutes)
		if _, err := c.AddFunc(spec, s.checkProxies); err != nil {
			return fmt.Errorf("failed to schedule proxy check job: %w", err)
		}
		s.logger.Info("Proxy check job scheduled", "interval_minutes", minutes)
	}

	if _, err := c.AddFunc("0 0 * * *", s.cleanupLogs); err != nil {
		return fmt.Errorf("failed to schedule log cleanup job: %w", err)
	}
	s.logger.Info("Log cleanup job scheduled daily at 00:00", "timezone", settings.Timezone)

	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop halts the cron runner, waiting for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	ctx := c.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// checkFailedKeys probes, for every provider, each key whose failure
// count is above zero. A successful probe resets the count; a failed
// one bumps it (still capped).
func (s *Scheduler) checkFailedKeys() {
	s.logger.Info("Starting scheduled check for failed API keys")

	for _, svc := range s.registry.All() {
		keys := svc.Keys().FailingKeys()
		if len(keys) == 0 {
			continue
		}
		s.logger.Info("Verifying failing keys",
			"provider", svc.Config().Name, "count", len(keys))

		for _, key := range keys {
			err := svc.VerifyKey(context.Background(), key)
			if err == nil {
				s.logger.Info("Key verification successful, resetting failure count",
					"provider", svc.Config().Name, "key_suffix", logger.SafeKeySuffix(key))
				svc.Keys().ResetKeyFailureCount(key)
			} else {
				s.logger.Warn("Key verification failed, incrementing failure count",
					"provider", svc.Config().Name, "key_suffix", logger.SafeKeySuffix(key), "error", err)
				svc.Keys().RecordFailure(key)
			}
		}
	}
	s.logger.Info("Finished scheduled key check")
}

// checkProxies probes every configured proxy with the cache bypassed
// and feeds the results back into the proxy manager.
func (s *Scheduler) checkProxies() {
	settings := s.currentSettings()
	if !settings.ProxyAutoCheckEnabled {
		s.logger.Debug("Proxy auto check is disabled, skipping")
		return
	}

	proxies := s.proxies.Proxies()
	if len(proxies) == 0 {
		s.logger.Debug("No proxies configured, skipping proxy check")
		return
	}

	s.logger.Info("Starting scheduled proxy check", "count", len(proxies))
	results := s.checker.CheckMany(context.Background(), proxies, false, 5)

	available, newlyDisabled := 0, 0
	for _, result := range results {
		s.proxies.UpdateLastCheckTime(result.Proxy)
		if result.Available {
			s.proxies.RecordSuccess(result.Proxy)
			available++
		} else {
			if s.proxies.RecordFailure(result.Proxy) {
				newlyDisabled++
			}
			s.logger.Warn("Proxy check failed",
				"proxy", result.Proxy, "error", result.ErrorMessage)
		}
	}

	status := s.proxies.Status()
	s.logger.Info("Proxy check completed",
		"available", available, "total", len(proxies),
		"disabled", status.Disabled, "newly_disabled", newlyDisabled)
}

// cleanupLogs deletes request and error logs older than the retention
// window.
func (s *Scheduler) cleanupLogs() {
	if s.store == nil {
		return
	}
	cutoff := time.Now().Add(-logRetention)

	if n, err := s.store.DeleteErrorLogsBefore(cutoff); err != nil {
		s.logger.Error("Failed to delete old error logs", "error", err)
	} else if n > 0 {
		s.logger.Info("Deleted old error logs", "count", n)
	}

	if n, err := s.store.DeleteRequestLogsBefore(cutoff); err != nil {
		s.logger.Error("Failed to delete old request logs", "error", err)
	} else if n > 0 {
		s.logger.Info("Deleted old request logs", "count", n)
	}
}
