// Package service orchestrates a ranking: validation, cache lookup, upstream fetch,
// alignment and scoring.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/activity-ranking-service/internal/align"
	"github.com/kjstillabower/activity-ranking-service/internal/cache"
	"github.com/kjstillabower/activity-ranking-service/internal/client"
	"github.com/kjstillabower/activity-ranking-service/internal/models"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
	"github.com/kjstillabower/activity-ranking-service/internal/scoring"
	"github.com/kjstillabower/activity-ranking-service/internal/validation"
)

// RankingCache is the cache the service reads and populates. Implemented by *cache.Cache.
type RankingCache interface {
	Get(city string) (models.RankingResult, bool)
	Set(city string, result models.RankingResult)
	TTL() time.Duration
}

// Options configures a RankingService.
type Options struct {
	// CoalesceEnabled makes concurrent misses for one city share a computation.
	CoalesceEnabled bool
	// CoalesceTimeout bounds how long a caller waits on a shared computation.
	CoalesceTimeout time.Duration
	// ComputeTimeout bounds a shared computation once it is detached from the caller
	// that started it.
	ComputeTimeout time.Duration
	// MarineGrace is how long the ranking keeps waiting for marine data once the forecast
	// has arrived. Zero means the default of one second.
	MarineGrace time.Duration
	// Clock replaces time.Now, for tests.
	Clock func() time.Time
}

// RankingService answers ranking queries, serving repeats from the cache.
type RankingService struct {
	upstream       client.UpstreamClient
	cache          RankingCache
	scorer         scoring.Scorer
	now            func() time.Time
	computeTimeout time.Duration
	marineGrace    time.Duration
	stampede       *stampedeTracker
	coalescer      *requestCoalescer // nil when coalescing is disabled
}

func NewRankingService(upstream client.UpstreamClient, c RankingCache, scorer scoring.Scorer, opts Options) *RankingService {
	if scorer == nil {
		scorer = scoring.Fixed{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = 30 * time.Second
	}
	if opts.MarineGrace <= 0 {
		opts.MarineGrace = time.Second
	}
	var coalescer *requestCoalescer
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &RankingService{
		upstream:       upstream,
		cache:          c,
		scorer:         scorer,
		now:            opts.Clock,
		computeTimeout: opts.ComputeTimeout,
		marineGrace:    opts.MarineGrace,
		stampede:       newStampedeTracker(),
		coalescer:      coalescer,
	}
}

// Rank returns the activity ranking for city. A cached result is returned without any
// upstream call. On a miss the ranking is computed, stored and returned; failures are
// never cached.
func (s *RankingService) Rank(ctx context.Context, city string) (models.RankingResult, error) {
	name, err := validation.ValidateCity(city)
	if err != nil {
		observability.RankingsTotal.WithLabelValues("invalid").Inc()
		return models.RankingResult{}, fmt.Errorf("%w: %w", ErrInvalidCity, err)
	}
	observability.RecordCityQuery(name)

	if cached, ok := s.cache.Get(name); ok {
		observability.RankingsTotal.WithLabelValues("cached").Inc()
		observability.LoggerFromContext(ctx).Debug("ranking served",
			zap.String("city", cache.Key(name)), zap.Bool("cached", true))
		return cached, nil
	}

	return s.fill(ctx, name)
}

// Refresh recomputes the ranking for city and stores it, ignoring any cached entry.
// Used by cache warming.
func (s *RankingService) Refresh(ctx context.Context, city string) (models.RankingResult, error) {
	name, err := validation.ValidateCity(city)
	if err != nil {
		return models.RankingResult{}, fmt.Errorf("%w: %w", ErrInvalidCity, err)
	}
	return s.fill(ctx, name)
}

func (s *RankingService) fill(ctx context.Context, name string) (models.RankingResult, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)
	key := cache.Key(name)

	if n := s.stampede.begin(key); n > 1 {
		observability.CacheStampedeConcurrency.Observe(float64(n))
	}
	defer s.stampede.end(key)

	logger.Debug("cache miss, computing ranking", zap.String("city", key))

	var (
		result models.RankingResult
		joined bool
		err    error
	)
	if s.coalescer != nil {
		result, joined, err = s.coalescer.GetOrDo(ctx, key, func() (models.RankingResult, error) {
			computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.computeTimeout)
			defer cancel()
			return s.compute(computeCtx, name)
		})
	} else {
		result, err = s.compute(ctx, name)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("rank %s: %w", key, ctxErr)
		}
		observability.RankingsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		logger.Debug("ranking failed", zap.String("city", key), zap.Error(err))
		return models.RankingResult{}, err
	}

	observability.RankingsTotal.WithLabelValues("computed").Inc()
	logger.Debug("ranking served",
		zap.String("city", key),
		zap.Bool("cached", false),
		zap.Bool("coalesced", joined),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// compute runs the upstream pipeline for one city and stores the result.
func (s *RankingService) compute(ctx context.Context, name string) (models.RankingResult, error) {
	logger := observability.LoggerFromContext(ctx)

	geo, err := s.upstream.ResolveCity(ctx, name)
	if err != nil {
		return models.RankingResult{}, fmt.Errorf("%w: geocoding %s: %w", ErrUpstreamUnavailable, name, err)
	}
	if geo == nil {
		return models.RankingResult{}, fmt.Errorf("%w: %s", ErrCityNotFound, name)
	}

	var (
		weather    *models.WeatherSeries
		marine     *models.MarineSeries
		graceTimer *time.Timer
	)
	g, gctx := errgroup.WithContext(ctx)
	marineCtx, cancelMarine := marineContext(gctx)
	defer cancelMarine()
	g.Go(func() error {
		w, err := s.upstream.FetchWeather(gctx, geo.Latitude, geo.Longitude)
		if err != nil {
			return fmt.Errorf("%w: forecast: %w", ErrUpstreamUnavailable, err)
		}
		if w == nil {
			return fmt.Errorf("%w: forecast returned no daily data", ErrUpstreamUnavailable)
		}
		weather = w
		graceTimer = time.AfterFunc(s.marineGrace, cancelMarine)
		return nil
	})
	g.Go(func() error {
		m, err := s.upstream.FetchMarine(marineCtx, geo.Latitude, geo.Longitude)
		if err != nil {
			// Cancelled because the forecast already failed; nothing to degrade.
			if gctx.Err() != nil && ctx.Err() == nil {
				return nil
			}
			observability.MarineDegradedTotal.Inc()
			logger.Warn("marine data unavailable, ranking without wave height",
				zap.String("city", name),
				zap.String("category", string(client.CategorizeError(err))),
				zap.Error(err),
			)
			return nil
		}
		marine = m
		return nil
	})
	err = g.Wait()
	if graceTimer != nil {
		graceTimer.Stop()
	}
	if err != nil {
		return models.RankingResult{}, err
	}

	days := align.Days(*weather, marine)
	if n := align.UnmatchedDates(days, marine); n > 0 {
		observability.MarineDateMismatchTotal.Add(float64(n))
		logger.Debug("marine dates do not cover forecast", zap.String("city", name), zap.Int("unmatched", n))
	}

	scores := s.scorer.Score(days)
	if err := scoring.CheckContract(days, scores); err != nil {
		logger.Error("scorer returned invalid scores", zap.String("city", name), zap.Error(err))
		return models.RankingResult{}, fmt.Errorf("%w: %w", ErrScoringContract, err)
	}

	city := geo.Name
	if city == "" {
		city = name
	}
	result := models.RankingResult{
		City:        city,
		Country:     geo.Country,
		Latitude:    geo.Latitude,
		Longitude:   geo.Longitude,
		Activities:  scores,
		GeneratedAt: s.now().UTC(),
		Cache: models.CacheMeta{
			Hit:                 false,
			TTLRemainingSeconds: int(s.cache.TTL() / time.Second),
		},
	}
	s.cache.Set(name, result)
	return result, nil
}

// minMarineMargin is the least time kept back from the ranking deadline for scoring
// without wave data.
const minMarineMargin = 50 * time.Millisecond

// marineContext bounds the optional marine fetch so it ends before ctx does. A fifth of the
// remaining time, and at least minMarineMargin, is kept back so the ranking can still be
// delivered when marine is slow.
func marineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	margin := time.Until(deadline) / 5
	if margin < minMarineMargin {
		margin = minMarineMargin
	}
	return context.WithDeadline(ctx, deadline.Add(-margin))
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrCityNotFound):
		return "not_found"
	case errors.Is(err, ErrScoringContract):
		return "internal_error"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "upstream_error"
	}
}
