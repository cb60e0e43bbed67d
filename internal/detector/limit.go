package detector

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/tphakala/xrayscan/internal/errors"
)

// limited bounds the number of concurrent model runs
type limited struct {
	next Invoker
	sem  *semaphore.Weighted
}

// Limit wraps inv so that at most n detections run at once. Callers beyond
// the limit wait until a slot frees or their context ends. n <= 0 returns inv
// unchanged.
func Limit(inv Invoker, n int64) Invoker {
	if n <= 0 {
		return inv
	}
	return &limited{next: inv, sem: semaphore.NewWeighted(n)}
}

func (l *limited) Invoke(ctx context.Context, req Request) (Artifacts, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "acquire_slot").
			Context("reason", "waiting for a free detector slot").
			Build()
	}
	defer l.sem.Release(1)
	return l.next.Invoke(ctx, req)
}
