package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/activity-ranking-service/internal/cache"
	"github.com/kjstillabower/activity-ranking-service/internal/models"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
	"github.com/kjstillabower/activity-ranking-service/internal/scoring"
	"github.com/kjstillabower/activity-ranking-service/internal/validation"
)

func f(v float64) *float64 { return &v }

var week = []string{"2026-03-01", "2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05", "2026-03-06", "2026-03-07"}

type mockUpstream struct {
	geo        *models.GeoLocation
	geoErr     error
	weather    *models.WeatherSeries
	weatherErr error
	marine     *models.MarineSeries
	marineErr  error
	// gate, when set, blocks ResolveCity until closed.
	gate chan struct{}
	// marineHang makes FetchMarine block until its context is done.
	marineHang bool
	// overlap makes each of FetchWeather and FetchMarine wait for the other to start.
	overlap        bool
	weatherStarted chan struct{}
	marineStarted  chan struct{}

	geoCalls     atomic.Int32
	weatherCalls atomic.Int32
	marineCalls  atomic.Int32
}

func newMockUpstream() *mockUpstream {
	temps := make([]*float64, len(week))
	for i := range temps {
		temps[i] = f(10 + float64(i))
	}
	return &mockUpstream{
		geo:     &models.GeoLocation{Name: "London", Country: "United Kingdom", Latitude: 51.5, Longitude: -0.12},
		weather: &models.WeatherSeries{Dates: week, TMax: temps, TMin: temps},
		marine:  &models.MarineSeries{Dates: week, WaveHeight: temps},

		weatherStarted: make(chan struct{}),
		marineStarted:  make(chan struct{}),
	}
}

var errNoOverlap = errors.New("weather and marine were not in flight together")

// awaitPeer signals that one leg started and waits for the other one.
func awaitPeer(ctx context.Context, mine, peer chan struct{}) error {
	close(mine)
	select {
	case <-peer:
		return nil
	case <-time.After(time.Second):
		return errNoOverlap
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockUpstream) ResolveCity(ctx context.Context, name string) (*models.GeoLocation, error) {
	m.geoCalls.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.geo, m.geoErr
}

func (m *mockUpstream) FetchWeather(ctx context.Context, lat, lon float64) (*models.WeatherSeries, error) {
	m.weatherCalls.Add(1)
	if m.overlap {
		if err := awaitPeer(ctx, m.weatherStarted, m.marineStarted); err != nil {
			return nil, err
		}
	}
	return m.weather, m.weatherErr
}

func (m *mockUpstream) FetchMarine(ctx context.Context, lat, lon float64) (*models.MarineSeries, error) {
	m.marineCalls.Add(1)
	if m.marineHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.overlap {
		if err := awaitPeer(ctx, m.marineStarted, m.weatherStarted); err != nil {
			return nil, err
		}
	}
	return m.marine, m.marineErr
}

func (m *mockUpstream) totalCalls() int32 {
	return m.geoCalls.Load() + m.weatherCalls.Load() + m.marineCalls.Load()
}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, up *mockUpstream, scorer scoring.Scorer, opts Options) (*RankingService, *cache.Cache) {
	t.Helper()
	c, err := cache.New(cache.Options{TTL: 10 * time.Minute, Clock: func() time.Time { return fixedNow }})
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	opts.Clock = func() time.Time { return fixedNow }
	return NewRankingService(up, c, scorer, opts), c
}

// TestRank_MissThenHit verifies that the first call computes and stores the ranking and the
// second is served from the cache without any upstream call.
func TestRank_MissThenHit(t *testing.T) {
	up := newMockUpstream()
	svc, c := newTestService(t, up, nil, Options{})
	ctx := context.Background()

	first, err := svc.Rank(ctx, "London")
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if first.Cache.Hit {
		t.Error("first Cache.Hit = true, want false")
	}
	if first.Cache.TTLRemainingSeconds != 600 {
		t.Errorf("first TTLRemainingSeconds = %d, want 600", first.Cache.TTLRemainingSeconds)
	}
	if first.City != "London" || first.Country != "United Kingdom" {
		t.Errorf("first = %+v", first)
	}
	if !first.GeneratedAt.Equal(fixedNow) {
		t.Errorf("GeneratedAt = %v, want %v", first.GeneratedAt, fixedNow)
	}
	if len(first.Activities) != len(models.AllActivities()) {
		t.Fatalf("activities = %d, want %d", len(first.Activities), len(models.AllActivities()))
	}
	if len(first.Activities[0].Days) != 7 {
		t.Errorf("days = %d, want 7", len(first.Activities[0].Days))
	}
	if c.Size() != 1 {
		t.Errorf("cache Size() = %d, want 1", c.Size())
	}

	before := up.totalCalls()
	second, err := svc.Rank(ctx, "  london ")
	if err != nil {
		t.Fatalf("second Rank() error = %v", err)
	}
	if !second.Cache.Hit {
		t.Error("second Cache.Hit = false, want true")
	}
	if up.totalCalls() != before {
		t.Errorf("upstream calls on hit = %d, want 0", up.totalCalls()-before)
	}
	if !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Errorf("second GeneratedAt = %v, want %v", second.GeneratedAt, first.GeneratedAt)
	}
}

func TestRank_InvalidCity(t *testing.T) {
	up := newMockUpstream()
	svc, _ := newTestService(t, up, nil, Options{})

	_, err := svc.Rank(context.Background(), "12345")
	if !errors.Is(err, ErrInvalidCity) {
		t.Fatalf("Rank() error = %v, want ErrInvalidCity", err)
	}
	if !errors.Is(err, validation.ErrCityNumeric) {
		t.Errorf("Rank() error = %v, want wrapping ErrCityNumeric", err)
	}
	if up.totalCalls() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.totalCalls())
	}
}

func TestRank_CityNotFound(t *testing.T) {
	up := newMockUpstream()
	up.geo = nil
	svc, c := newTestService(t, up, nil, Options{})

	_, err := svc.Rank(context.Background(), "Atlantis")
	if !errors.Is(err, ErrCityNotFound) {
		t.Fatalf("Rank() error = %v, want ErrCityNotFound", err)
	}
	if c.Size() != 0 {
		t.Errorf("cache Size() = %d, want 0", c.Size())
	}
	if up.weatherCalls.Load() != 0 {
		t.Errorf("weather calls = %d, want 0", up.weatherCalls.Load())
	}
}

func TestRank_UpstreamFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(m *mockUpstream)
	}{
		{"geocoding error", func(m *mockUpstream) { m.geoErr = boom }},
		{"weather error", func(m *mockUpstream) { m.weatherErr = boom }},
		{"weather absent", func(m *mockUpstream) { m.weather = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newMockUpstream()
			tt.setup(up)
			svc, c := newTestService(t, up, nil, Options{})

			_, err := svc.Rank(context.Background(), "London")
			if !errors.Is(err, ErrUpstreamUnavailable) {
				t.Fatalf("Rank() error = %v, want ErrUpstreamUnavailable", err)
			}
			if c.Size() != 0 {
				t.Errorf("cache Size() = %d, want 0", c.Size())
			}
		})
	}
}

// TestRank_MarineDegrades verifies that a marine failure yields a full ranking with no wave
// data and a warning log.
func TestRank_MarineDegrades(t *testing.T) {
	up := newMockUpstream()
	up.marineErr = errors.New("marine down")

	var seen []models.DayRecord
	scorer := scoring.Func(func(days []models.DayRecord) []models.ActivityScore {
		seen = days
		return scoring.Fixed{}.Score(days)
	})
	svc, c := newTestService(t, up, scorer, Options{})

	core, logs := observer.New(zap.WarnLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))

	if _, err := svc.Rank(ctx, "London"); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(seen) != 7 {
		t.Fatalf("scored days = %d, want 7", len(seen))
	}
	for i, d := range seen {
		if d.WaveHeight != nil {
			t.Errorf("day %d wave = %v, want nil", i, *d.WaveHeight)
		}
		if d.TMax == nil {
			t.Errorf("day %d tMax = nil, want value", i)
		}
	}
	if c.Size() != 1 {
		t.Errorf("cache Size() = %d, want 1", c.Size())
	}
	if n := logs.FilterMessage("marine data unavailable, ranking without wave height").Len(); n != 1 {
		t.Errorf("marine warnings = %d, want 1", n)
	}
}

// TestRank_MarineAbsent covers an inland city: marine has no daily block, all seven days are
// scored without wave height, and the repeat is a cache hit with no upstream call.
func TestRank_MarineAbsent(t *testing.T) {
	up := newMockUpstream()
	up.marine = nil

	var seen []models.DayRecord
	scorer := scoring.Func(func(days []models.DayRecord) []models.ActivityScore {
		seen = days
		return scoring.Fixed{}.Score(days)
	})
	svc, _ := newTestService(t, up, scorer, Options{})
	ctx := context.Background()

	first, err := svc.Rank(ctx, "Madrid")
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(seen) != 7 {
		t.Fatalf("scored days = %d, want 7", len(seen))
	}
	for i, d := range seen {
		if d.WaveHeight != nil {
			t.Errorf("day %d wave = %v, want nil", i, *d.WaveHeight)
		}
		if d.Date != week[i] {
			t.Errorf("day %d date = %q, want %q", i, d.Date, week[i])
		}
	}
	if first.Cache.Hit {
		t.Error("first Cache.Hit = true, want false")
	}
	if up.marineCalls.Load() != 1 {
		t.Errorf("marine calls = %d, want 1", up.marineCalls.Load())
	}

	before := up.totalCalls()
	second, err := svc.Rank(ctx, "Madrid")
	if err != nil {
		t.Fatalf("second Rank() error = %v", err)
	}
	if !second.Cache.Hit {
		t.Error("second Cache.Hit = false, want true")
	}
	if n := up.totalCalls() - before; n != 0 {
		t.Errorf("upstream calls on hit = %d, want 0", n)
	}
}

// TestRank_WeatherAndMarineRunConcurrently fails if either leg waits for the other to finish.
func TestRank_WeatherAndMarineRunConcurrently(t *testing.T) {
	up := newMockUpstream()
	up.overlap = true

	var seen []models.DayRecord
	scorer := scoring.Func(func(days []models.DayRecord) []models.ActivityScore {
		seen = days
		return scoring.Fixed{}.Score(days)
	})
	svc, _ := newTestService(t, up, scorer, Options{})

	if _, err := svc.Rank(context.Background(), "London"); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	for i, d := range seen {
		if d.WaveHeight == nil {
			t.Errorf("day %d wave = nil, want marine value", i)
		}
	}
}

// TestRank_HungMarineReleasedAfterGrace verifies the ranking is delivered without wave data
// once the forecast is in and marine overruns its grace period.
func TestRank_HungMarineReleasedAfterGrace(t *testing.T) {
	up := newMockUpstream()
	up.marineHang = true

	var seen []models.DayRecord
	scorer := scoring.Func(func(days []models.DayRecord) []models.ActivityScore {
		seen = days
		return scoring.Fixed{}.Score(days)
	})
	svc, c := newTestService(t, up, scorer, Options{MarineGrace: 20 * time.Millisecond})

	core, logs := observer.New(zap.WarnLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))

	start := time.Now()
	if _, err := svc.Rank(ctx, "London"); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Rank() took %v, want release shortly after the grace period", elapsed)
	}
	if len(seen) != 7 {
		t.Fatalf("scored days = %d, want 7", len(seen))
	}
	for i, d := range seen {
		if d.WaveHeight != nil {
			t.Errorf("day %d wave = %v, want nil", i, *d.WaveHeight)
		}
	}
	if c.Size() != 1 {
		t.Errorf("cache Size() = %d, want 1", c.Size())
	}
	if n := logs.FilterMessage("marine data unavailable, ranking without wave height").Len(); n != 1 {
		t.Errorf("marine warnings = %d, want 1", n)
	}
}

// TestRank_HungMarineEndsBeforeDeadline verifies the marine leg gives up before the caller's
// deadline even when the grace period alone would outlast it.
func TestRank_HungMarineEndsBeforeDeadline(t *testing.T) {
	for _, coalesce := range []bool{false, true} {
		name := "direct"
		if coalesce {
			name = "coalesced"
		}
		t.Run(name, func(t *testing.T) {
			up := newMockUpstream()
			up.marineHang = true
			svc, _ := newTestService(t, up, nil, Options{
				MarineGrace:     time.Hour,
				CoalesceEnabled: coalesce,
				CoalesceTimeout: time.Second,
				ComputeTimeout:  400 * time.Millisecond,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
			defer cancel()
			result, err := svc.Rank(ctx, "London")
			if err != nil {
				t.Fatalf("Rank() error = %v, want ranking without wave data", err)
			}
			if len(result.Activities) != len(models.AllActivities()) {
				t.Errorf("activities = %d, want %d", len(result.Activities), len(models.AllActivities()))
			}
		})
	}
}

func TestMarineContext(t *testing.T) {
	ctx, cancel := marineContext(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("marineContext(no deadline) has a deadline, want none")
	}

	parent, cancelParent := context.WithTimeout(context.Background(), time.Second)
	defer cancelParent()
	parentDeadline, _ := parent.Deadline()
	ctx, cancel = marineContext(parent)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("marineContext() has no deadline")
	}
	if gap := parentDeadline.Sub(deadline); gap < 150*time.Millisecond || gap > 250*time.Millisecond {
		t.Errorf("marine deadline %v before parent, want about a fifth of the budget", gap)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	shortDeadline, _ := short.Deadline()
	ctx, cancel = marineContext(short)
	defer cancel()
	if deadline, _ := ctx.Deadline(); shortDeadline.Sub(deadline) < minMarineMargin {
		t.Errorf("marine margin = %v, want at least %v", shortDeadline.Sub(deadline), minMarineMargin)
	}
}

func TestRank_ScoringContractViolation(t *testing.T) {
	up := newMockUpstream()
	bad := scoring.Func(func(days []models.DayRecord) []models.ActivityScore {
		return scoring.Fixed{}.Score(days)[1:]
	})
	svc, c := newTestService(t, up, bad, Options{})

	_, err := svc.Rank(context.Background(), "London")
	if !errors.Is(err, ErrScoringContract) {
		t.Fatalf("Rank() error = %v, want ErrScoringContract", err)
	}
	if !errors.Is(err, scoring.ErrContractViolation) {
		t.Errorf("Rank() error = %v, want wrapping ErrContractViolation", err)
	}
	if c.Size() != 0 {
		t.Errorf("cache Size() = %d, want 0", c.Size())
	}
}

func TestRank_CallerContextCanceled(t *testing.T) {
	up := newMockUpstream()
	up.gate = make(chan struct{})
	defer close(up.gate)
	svc, _ := newTestService(t, up, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := svc.Rank(ctx, "London")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Rank() error = %v, want context.DeadlineExceeded", err)
	}
}

// TestRank_Coalesces verifies that concurrent misses for one city share one computation.
func TestRank_Coalesces(t *testing.T) {
	up := newMockUpstream()
	up.gate = make(chan struct{})
	svc, _ := newTestService(t, up, nil, Options{CoalesceEnabled: true, CoalesceTimeout: 5 * time.Second})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]models.RankingResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Rank(context.Background(), "London")
		}(i)
	}

	deadline := time.Now().Add(time.Second)
	for svc.stampede.inProgress("london") < callers && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i].City != "London" {
			t.Errorf("caller %d city = %q", i, results[i].City)
		}
	}
	if n := up.geoCalls.Load(); n != 1 {
		t.Errorf("geocoding calls = %d, want 1", n)
	}
	if n := up.weatherCalls.Load(); n != 1 {
		t.Errorf("weather calls = %d, want 1", n)
	}
}

// TestRank_CoalescedComputationOutlivesCaller verifies that a caller giving up does not
// abort the shared computation.
func TestRank_CoalescedComputationOutlivesCaller(t *testing.T) {
	up := newMockUpstream()
	up.gate = make(chan struct{})
	svc, c := newTestService(t, up, nil, Options{CoalesceEnabled: true, CoalesceTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Rank(ctx, "London")
		done <- err
	}()
	for up.geoCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Rank() error = %v, want context.Canceled", err)
	}

	close(up.gate)
	deadline := time.Now().Add(time.Second)
	for c.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Size() != 1 {
		t.Errorf("cache Size() = %d, want 1 after detached computation", c.Size())
	}
}

func TestRefresh_BypassesCache(t *testing.T) {
	up := newMockUpstream()
	svc, _ := newTestService(t, up, nil, Options{})
	ctx := context.Background()

	if _, err := svc.Rank(ctx, "London"); err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if _, err := svc.Refresh(ctx, "London"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n := up.geoCalls.Load(); n != 2 {
		t.Errorf("geocoding calls = %d, want 2", n)
	}
	if _, err := svc.Refresh(ctx, ""); !errors.Is(err, ErrInvalidCity) {
		t.Errorf("Refresh(\"\") error = %v, want ErrInvalidCity", err)
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrCityNotFound, "not_found"},
		{ErrScoringContract, "internal_error"},
		{ErrUpstreamUnavailable, "upstream_error"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("other"), "upstream_error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
