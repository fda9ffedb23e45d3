package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"officemafia/internal/store"
)

// Sweeper is the store hook the scheduler drives.
type Sweeper interface {
	RunStaleSessionCleanup(ctx context.Context) (store.CleanupSummary, error)
}

type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(store.CleanupSummary)

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	runs      int
	lastRun   time.Time
	lastSweep store.CleanupSummary
	lastErr   error
}

type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
	// OnSweep is called after every successful pass.
	OnSweep func(store.CleanupSummary)
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running   bool                 `json:"running"`
	Interval  string               `json:"interval"`
	Runs      int                  `json:"runs"`
	LastRun   time.Time            `json:"lastRun,omitzero"`
	LastSweep store.CleanupSummary `json:"lastSweep"`
	LastError string               `json:"lastError,omitempty"`
}

func NewScheduler(sweeper Sweeper, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		onSweep:  cfg.OnSweep,
		stopChan: make(chan struct{}),
	}
}

// Start sweeps every interval until ctx is cancelled or Stop is called.
// It blocks; a second concurrent call returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	stop := s.stopChan
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("cleanup scheduler started", slog.String("interval", s.interval.String()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopping", slog.String("reason", "context cancelled"))
			return nil
		case <-stop:
			s.logger.Info("cleanup scheduler stopping", slog.String("reason", "stop requested"))
			return nil
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// Stop ends a running Start loop. Calling it again is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
}

// RunOnce performs a single sweep now.
func (s *Scheduler) RunOnce(ctx context.Context) (store.CleanupSummary, error) {
	summary, err := s.sweeper.RunStaleSessionCleanup(ctx)

	s.mu.Lock()
	s.runs++
	s.lastRun = time.Now()
	s.lastErr = err
	if err == nil {
		s.lastSweep = summary
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("session cleanup failed", slog.String("error", err.Error()))
		return summary, err
	}
	if s.onSweep != nil {
		s.onSweep(summary)
	}
	return summary, nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:   s.running,
		Interval:  s.interval.String(),
		Runs:      s.runs,
		LastRun:   s.lastRun,
		LastSweep: s.lastSweep,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
