package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/activity-ranking-service/internal/models"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
)

// requestCoalescer lets concurrent misses for the same key share one computation.
// Callers stop waiting after timeout or when their context ends; the computation itself
// keeps running for the callers still waiting.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// GetOrDo returns the result of the in-flight computation for key, starting fn when there
// is none. joined is true when the caller attached to a computation started by another.
// Each caller gets its own copy of the result.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.RankingResult, error)) (result models.RankingResult, joined bool, err error) {
	start := time.Now()
	var leader bool
	ch := rc.group.DoChan(key, func() (any, error) {
		leader = true
		return fn()
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	select {
	case res := <-ch:
		joined = !leader
		if joined {
			observability.RequestCoalescingHitsTotal.Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(start).Seconds())
		}
		if res.Err != nil {
			return models.RankingResult{}, joined, res.Err
		}
		return res.Val.(models.RankingResult).Clone(), joined, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return models.RankingResult{}, false, ctx.Err()
		}
		return models.RankingResult{}, false, fmt.Errorf("%w: waiting for in-flight ranking of %s: %w", ErrUpstreamUnavailable, key, waitCtx.Err())
	}
}
