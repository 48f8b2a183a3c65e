package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/microloan/pkg/engine"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// AgingJob classifies the overdue installments of the whole portfolio and
// logs the per-bucket totals.
type AgingJob struct {
	ledger  *ledger.Ledger
	buckets []engine.AgingBucket
	logger  *logrus.Logger
}

func NewAgingJob(l *ledger.Ledger, buckets []engine.AgingBucket, logger *logrus.Logger) *AgingJob {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AgingJob{ledger: l, buckets: buckets, logger: logger}
}

// Run implements cron.Job. It ages the portfolio as of today.
func (j *AgingJob) Run() {
	if _, err := j.RunAt(time.Time{}); err != nil {
		j.logger.WithError(err).Error("Portfolio aging failed")
	}
}

// RunAt ages the portfolio as of asOf (today when zero) and logs the result.
func (j *AgingJob) RunAt(asOf time.Time) (*engine.AgingReport, error) {
	start := time.Now()
	report, err := j.ledger.AgingReport(asOf, j.buckets, false)
	if err != nil {
		return nil, err
	}

	for _, b := range report.Buckets {
		j.logger.WithFields(logrus.Fields{
			"as_of":      report.AsOf.Format("2006-01-02"),
			"bucket":     b.Label,
			"amount":     b.Amount.StringFixed(2),
			"count":      b.Count,
			"percentage": b.Percentage.StringFixed(2),
		}).Info("Aging bucket")
	}
	overdue, count := report.Overdue()
	j.logger.WithFields(logrus.Fields{
		"as_of":            report.AsOf.Format("2006-01-02"),
		"total_amount":     report.TotalAmount.StringFixed(2),
		"total_count":      report.TotalCount,
		"overdue_amount":   overdue.StringFixed(2),
		"overdue_count":    count,
		"delinquent_loans": report.Delinquent,
		"elapsed_seconds":  time.Since(start).Seconds(),
	}).Info("Portfolio aging complete")
	return report, nil
}

// Scheduler runs batch jobs on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

func NewScheduler(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{cron: cron.New(), logger: logger}
}

// Add registers job under a standard five-field cron spec.
func (s *Scheduler) Add(spec string, job cron.Job) error {
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	s.logger.WithField("spec", spec).Info("Batch job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Batch scheduler started")
}

// Stop stops scheduling new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Batch scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
