package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// CycleSummary accounts for everything one cycle did.
type CycleSummary struct {
	Fetched               int
	Inserted              int
	Duplicates            int
	Malformed             int
	Assessed              int
	Threats               int
	Candidates            int
	Dispatched            int
	SuppressedDuplicate   int
	SuppressedRateLimited int
	Resolved              int
	Expired               int
	DeliveryFailures      int
	Duration              time.Duration
}

// LogValue implements slog.LogValuer.
func (c CycleSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("fetched", c.Fetched),
		slog.Int("inserted", c.Inserted),
		slog.Int("duplicates", c.Duplicates),
		slog.Int("malformed", c.Malformed),
		slog.Int("assessed", c.Assessed),
		slog.Int("threats", c.Threats),
		slog.Int("candidates", c.Candidates),
		slog.Int("dispatched", c.Dispatched),
		slog.Int("suppressed_duplicate", c.SuppressedDuplicate),
		slog.Int("suppressed_rate_limited", c.SuppressedRateLimited),
		slog.Int("resolved", c.Resolved),
		slog.Int("expired", c.Expired),
		slog.Int("delivery_failures", c.DeliveryFailures),
		slog.Duration("duration", c.Duration),
	)
}

func (c *CycleSummary) countDecisions(decisions []domain.Decision) {
	for _, d := range decisions {
		a := d.Alert
		if d.Record.Hotspot.ID != "" {
			c.Candidates++
		}
		switch {
		case a.Suppression == domain.SuppressedDuplicate:
			c.SuppressedDuplicate++
		case a.Suppression == domain.SuppressedRateLimited:
			c.SuppressedRateLimited++
		case a.State == domain.AlertDispatched:
			c.Dispatched++
		case a.State == domain.AlertResolved:
			c.Resolved++
		case a.State == domain.AlertExpired:
			c.Expired++
		}
	}
}

// RunCycle runs one full cycle: fetch and ingest a batch from the source,
// assess the lookback window, evaluate alerts, then enrich, dispatch and
// persist them. Cancellation is honoured between ingest, assessment and the
// alert stage; once alerts are evaluated the stage runs to completion so the
// ledger never holds dispatched alerts that were not sent.
func (s *Service) RunCycle(ctx context.Context) (CycleSummary, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.clock.Now()
	var sum CycleSummary

	if s.source != nil {
		batch, err := s.source.Fetch(ctx)
		if err != nil {
			return sum, fmt.Errorf("fetch detections: %w", err)
		}
		sum.Fetched = batch.Len()
		res := s.IngestHotspots(ctx, batch.Detections)
		sum.Inserted = res.Inserted
		sum.Duplicates = res.Duplicates
		sum.Malformed = res.Malformed + len(batch.Rejected)
		if len(batch.Rejected) > 0 {
			s.metrics.HotspotsIngested.WithLabelValues("malformed").Add(float64(len(batch.Rejected)))
		}
		if batch.Commit != nil {
			if err := batch.Commit(ctx); err != nil {
				s.logger.Warn("commit batch failed", "error", err, "batch_size", batch.Len())
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	now := s.clock.Now()
	records, err := s.RunAssessmentCycle(ctx, now)
	if err != nil && !errors.Is(err, domain.ErrEmptyInput) {
		return sum, fmt.Errorf("assess: %w", err)
	}
	sum.Assessed = len(records)
	for _, rec := range records {
		if rec.Severity.Notifiable() {
			sum.Threats++
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	stageCtx := context.WithoutCancel(ctx)
	decisions := s.RunAlertCycle(stageCtx, now)
	sum.countDecisions(decisions)
	sum.DeliveryFailures = s.deliver(stageCtx, decisions)
	s.persistAlerts(stageCtx, now)

	sum.Duration = s.clock.Since(start)
	s.ready.Store(true)
	s.metrics.CycleDuration.Observe(sum.Duration.Seconds())
	s.logger.Info("cycle complete", "summary", sum)
	return sum, nil
}

// Run executes cycles until the context is cancelled, waiting Interval
// between successful cycles and backing off exponentially after failures.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("pipeline started", "interval", s.cfg.Interval, "lookback", s.cfg.Lookback)
	s.metrics.PipelineRunning.Set(1)
	defer s.metrics.PipelineRunning.Set(0)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			s.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}

		wait := s.cfg.Interval
		if _, err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("pipeline stopping", "reason", ctx.Err())
				return nil
			}
			s.metrics.Cycles.WithLabelValues("error").Inc()
			s.logger.Error("cycle failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff = nextBackoff(backoff, maxBackoff)
		} else {
			s.metrics.Cycles.WithLabelValues("ok").Inc()
			backoff = initialBackoff
		}

		if !sleepWithContext(ctx, s.clock, wait) {
			s.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// Start runs the cycle loop in its own goroutine. The returned channel is
// closed once Run has returned, which is after any cycle in flight at
// cancellation has finished its alert stage.
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("pipeline error", "error", err)
		}
	}()
	return done
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
