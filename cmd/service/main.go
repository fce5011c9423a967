package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/activity-ranking-service/internal/cache"
	"github.com/kjstillabower/activity-ranking-service/internal/circuitbreaker"
	"github.com/kjstillabower/activity-ranking-service/internal/client"
	"github.com/kjstillabower/activity-ranking-service/internal/config"
	httphandler "github.com/kjstillabower/activity-ranking-service/internal/http"
	"github.com/kjstillabower/activity-ranking-service/internal/lifecycle"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
	"github.com/kjstillabower/activity-ranking-service/internal/scoring"
	"github.com/kjstillabower/activity-ranking-service/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	openMeteo, err := client.NewOpenMeteoClient(client.Options{
		GeocodingURL:   cfg.GeocodingURL,
		ForecastURL:    cfg.ForecastURL,
		MarineURL:      cfg.MarineURL,
		Timeout:        cfg.UpstreamTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("open-meteo client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		for _, upstream := range []string{client.UpstreamGeocoding, client.UpstreamForecast, client.UpstreamMarine} {
			openMeteo.SetCircuitBreaker(upstream, newBreaker(cfg, upstream))
			observability.SetCircuitBreakerStateGauge(upstream, 0)
		}
		logger.Info("circuit breakers enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	rankingCache, err := cache.New(cache.Options{
		TTL:      cfg.CacheTTL,
		Capacity: cfg.CacheCapacity,
		Shards:   cfg.CacheShards,
	})
	if err != nil {
		logger.Fatal("ranking cache", zap.Error(err))
	}
	logger.Info("ranking cache ready",
		zap.Duration("ttl", cfg.CacheTTL),
		zap.Int("capacity", cfg.CacheCapacity),
		zap.Int("shards", cfg.CacheShards))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if cfg.CacheSweepInterval > 0 {
		go rankingCache.RunJanitor(bgCtx, cfg.CacheSweepInterval)
	}

	rankingService := service.NewRankingService(openMeteo, rankingCache, scoring.Fixed{}, service.Options{
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
		ComputeTimeout:  cfg.RequestTimeout,
		MarineGrace:     cfg.MarineGrace,
	})

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewWarmer(rankingService, logger)
		go func() {
			if err := warmer.WarmPeriodic(bgCtx, cfg.WarmCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cache warming stopped", zap.Error(err))
			}
		}()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(rankingService, openMeteo, &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
	}, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	bgCancel()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newBreaker builds the breaker for one upstream. Requests the upstream rejected as invalid
// leave it closed.
func newBreaker(cfg *config.Config, upstream string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        upstream,
		IsSuccessful:     client.CountsAsHealthy,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(upstream, from.String(), to.String())
			observability.SetCircuitBreakerStateGauge(upstream, observability.CircuitBreakerStateValue(int(to)))
		},
	})
}
