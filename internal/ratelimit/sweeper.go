package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/welldanyogia/authguard/internal/metrics"
)

// DefaultSweepInterval is the interval between idle record sweeps
const DefaultSweepInterval = time.Minute

// Sweeper periodically evicts idle rate limit records
type Sweeper struct {
	limiter  *Limiter
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper for limiter
func NewSweeper(limiter *Limiter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		limiter:  limiter,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic sweep
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.logger.Info("rate limit sweeper started", slog.Duration("interval", s.interval))
	return nil
}

// Stop stops the sweep and waits for an in-flight run to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("rate limit sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// SweepOnce performs a single sweep and refreshes the record gauge
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	evicted, err := s.limiter.Sweep(ctx)
	if err != nil {
		s.logger.Error("rate limit sweep failed", slog.String("error", err.Error()))
		return 0
	}
	if evicted > 0 {
		metrics.RateLimitEvictions.Add(float64(evicted))
		s.logger.Debug("rate limit records evicted", slog.Int("count", evicted))
	}

	if n, err := s.limiter.Len(ctx); err == nil {
		metrics.RateLimitRecords.Set(float64(n))
	}
	return evicted
}
