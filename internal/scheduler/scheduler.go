package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"platfoxbot/internal/syncer"

	"github.com/robfig/cron/v3"
)

const (
	Timezone              = "UTC"
	TimezoneOffsetSeconds = 0
	passTimeout           = 15 * time.Minute
)

// Runner runs one sync pass.
type Runner interface {
	Run(ctx context.Context, accounts []syncer.Account) (*syncer.Result, error)
}

// Scheduler runs passes on a cron schedule. A tick that arrives while the previous
// pass is still running is skipped, so passes never overlap on the cursor store.
type Scheduler struct {
	ctx      context.Context
	cron     *cron.Cron
	spec     string
	runner   Runner
	accounts []syncer.Account
	running  sync.Mutex
	log      *slog.Logger
}

func New(
	ctx context.Context,
	spec string,
	runner Runner,
	accounts []syncer.Account,
	log *slog.Logger,
) *Scheduler {
	c := cron.New(cron.WithLocation(time.FixedZone(Timezone, TimezoneOffsetSeconds)))

	return &Scheduler{
		ctx:      ctx,
		cron:     c,
		spec:     spec,
		runner:   runner,
		accounts: accounts,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.RunPass); err != nil {
		return fmt.Errorf("add cron func (spec = %s): %w", s.spec, err)
	}

	s.cron.Start()

	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunPass runs one pass unless another one is in progress.
func (s *Scheduler) RunPass() {
	if !s.running.TryLock() {
		s.log.WarnContext(s.ctx, "Previous pass is still running, skipping tick",
			"spec", s.spec)
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, passTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		s.log.InfoContext(ctx, "Scheduler context is done",
			"error", ctx.Err())
		return
	default:
	}

	result, err := s.runner.Run(ctx, s.accounts)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to run pass",
			"error", err,
			"spec", s.spec,
			"accountCount", len(s.accounts))

		return
	}

	if result.PublishFailed() {
		s.log.WarnContext(ctx, "Pass finished with publish failures",
			"spec", s.spec,
			"publishFailures", len(result.PublishFailures),
			"published", result.Published)
	}
}
