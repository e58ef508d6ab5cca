package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ledgerbook.org/internal/obs"
)

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// Service runs registered functions on fixed intervals until its context ends.
type Service struct {
	jobs []job
	wg   sync.WaitGroup
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) RegisterJob(name string, interval time.Duration, fn func(ctx context.Context) error) *Service {
	return s.TryRegisterJob(true, name, interval, fn)
}

func (s *Service) TryRegisterJob(isEnabled bool, name string, interval time.Duration, fn func(ctx context.Context) error) *Service {
	if !isEnabled || interval <= 0 {
		return s
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
	return s
}

// Start launches every job. Each runs once immediately, then on its ticker.
func (s *Service) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.startJob(ctx, j)
	}
}

func (s *Service) startJob(ctx context.Context, j job) {
	defer s.wg.Done()

	l := obs.Logger().With().Str("job", j.name).Logger()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		l.Debug().Msg("job started")
		if err := s.withRecover(ctx, j); err != nil {
			l.Error().Err(err).Msg("job failed")
		} else {
			l.Debug().Msg("job done")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) withRecover(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v\n%s", r, debug.Stack())
		}
	}()
	return j.fn(ctx)
}

// Stop waits for running jobs to observe their context and exit.
func (s *Service) Stop() {
	s.wg.Wait()
}
