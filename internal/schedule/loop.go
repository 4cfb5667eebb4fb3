package schedule

import (
	"context"
	"log"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Loop periodically reconciles every subject. Per-subject failures are
// logged and skipped; only context cancellation stops the loop.
type Loop struct {
	Service      *Service
	Interval     time.Duration
	InitialDelay time.Duration
	Workers      int
}

func (l *Loop) interval() time.Duration {
	if l.Interval <= 0 {
		return time.Hour
	}
	return l.Interval
}

func (l *Loop) Run(ctx context.Context) error {
	delay := l.InitialDelay
	if delay < 0 {
		delay = 0
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()
	for {
		l.Pass(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pass reconciles all subjects once, fanning out across the worker pool.
func (l *Loop) Pass(ctx context.Context) {
	subjects, err := l.Service.Repo.ListSubjects(ctx, "")
	if err != nil {
		log.Printf("schedule: list subjects: %v", err)
		return
	}
	workers := l.Workers
	if workers <= 0 {
		workers = 4
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, subject := range subjects {
		subject := subject
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := l.Service.Reconcile(ctx, subject.ID); err != nil {
				log.Printf("schedule: reconcile subject %s: %v", subject.ID, err)
			}
		})
	}
	p.Wait()
}
