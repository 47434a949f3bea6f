package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a named housekeeping task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs housekeeping jobs on cron specs. A job still running when
// its next tick arrives is skipped, and a panicking job is recovered.
type Scheduler struct {
	cron   *cron.Cron
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Errorw(msg, append(kv, "error", err)...)
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("scheduler")
	cl := cronLogger{log: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	if job.Timeout <= 0 {
		job.Timeout = time.Minute
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
		defer cancel()
		started := time.Now()
		if err := job.Run(ctx); err != nil {
			s.log.Warn("⚠️ housekeeping job failed", zap.String("job", job.Name), zap.Error(err))
			return
		}
		s.log.Debug("housekeeping job done", zap.String("job", job.Name), zap.Duration("took", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("✓ housekeeping scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
