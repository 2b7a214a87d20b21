// Package schedule runs periodic maintenance jobs on cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultJobTimeout = 5 * time.Minute

// Job is one periodic task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Service owns the cron runner.
type Service struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a scheduler. Jobs never overlap with themselves and a
// panicking job is logged and recovered.
func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "schedule"))
	cl := cronLogger{logger: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		logger:  log,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job. Names must be unique.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and run func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.runJob(job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.entries[job.Name] = id
	s.logger.Info("job scheduled", slog.String("job", job.Name), slog.String("spec", job.Spec))
	return nil
}

// Start begins running jobs in the background.
func (s *Service) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runJob(job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	attrs := []any{slog.String("job", job.Name), slog.Duration("elapsed", time.Since(start))}
	if err != nil {
		s.logger.Error("job failed", append(attrs, slog.Any("error", err))...)
		return
	}
	s.logger.Debug("job finished", attrs...)
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
