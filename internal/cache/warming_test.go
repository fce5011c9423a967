package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/activity-ranking-service/internal/models"
)

type mockFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (m *mockFetcher) Refresh(ctx context.Context, city string) (models.RankingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, city)
	if err := m.fail[city]; err != nil {
		return models.RankingResult{}, err
	}
	return models.RankingResult{City: city}, nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestWarmer_Warm_Success(t *testing.T) {
	f := &mockFetcher{}
	w := NewWarmer(f, nil)

	if err := w.Warm(context.Background(), []string{"Lisbon", "Oslo"}); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if n := f.callCount(); n != 2 {
		t.Errorf("Refresh calls = %d, want 2", n)
	}
}

func TestWarmer_Warm_EmptyCities(t *testing.T) {
	f := &mockFetcher{}
	w := NewWarmer(f, nil)
	if err := w.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm(nil) error = %v", err)
	}
	if n := f.callCount(); n != 0 {
		t.Errorf("Refresh calls = %d, want 0", n)
	}
}

func TestWarmer_Warm_PartialFailure(t *testing.T) {
	boom := errors.New("upstream down")
	f := &mockFetcher{fail: map[string]error{"Oslo": boom}}
	core, logs := observer.New(zap.InfoLevel)
	w := NewWarmer(f, zap.New(core))

	err := w.Warm(context.Background(), []string{"Lisbon", "Oslo"})
	if !errors.Is(err, boom) {
		t.Fatalf("Warm() error = %v, want wrapping %v", err, boom)
	}
	if !strings.Contains(err.Error(), "warm Oslo") {
		t.Errorf("Warm() error = %q, want city name", err)
	}
	done := logs.FilterMessage("cache warming complete").All()
	if len(done) != 1 {
		t.Fatalf("completion logs = %d, want 1", len(done))
	}
	if got := done[0].ContextMap()["errors"]; got != int64(1) {
		t.Errorf("errors field = %v, want 1", got)
	}
}

func TestWarmer_WarmPeriodic(t *testing.T) {
	f := &mockFetcher{}
	w := NewWarmer(f, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.WarmPeriodic(ctx, []string{"Lisbon"}, 5*time.Millisecond) }()

	deadline := time.Now().Add(time.Second)
	for f.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("WarmPeriodic() error = %v, want context.Canceled", err)
	}
	if n := f.callCount(); n < 3 {
		t.Errorf("Refresh calls = %d, want >= 3", n)
	}
}

func TestWarmer_WarmPeriodic_Once(t *testing.T) {
	f := &mockFetcher{}
	w := NewWarmer(f, nil)
	if err := w.WarmPeriodic(context.Background(), []string{"Lisbon"}, 0); err != nil {
		t.Fatalf("WarmPeriodic() error = %v", err)
	}
	if n := f.callCount(); n != 1 {
		t.Errorf("Refresh calls = %d, want 1", n)
	}
}
