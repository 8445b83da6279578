// Package auditor periodically re-verifies every loan chain in a store.
// It only observes: broken chains are logged and counted, never repaired.
package auditor

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jmerrifield20/loanledger/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds audit sweep configuration.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// LoanLister returns every loan ID that has at least one entry.
type LoanLister interface {
	LoanIDs(ctx context.Context) ([]string, error)
}

// ChainVerifier verifies a single loan chain.
type ChainVerifier interface {
	Verify(ctx context.Context, loanID string) (*ledger.VerificationResult, error)
}

// MetricsRecordFunc is an optional callback invoked after each sweep with the
// number of broken chains found and the sweep duration.
type MetricsRecordFunc func(broken int, took time.Duration)

// Report summarises one sweep.
type Report struct {
	Checked int      // chains verified
	Broken  []string // loan IDs that failed verification, sorted
	Failed  []string // loan IDs whose chain could not be read, sorted
}

// Auditor runs periodic verification sweeps.
type Auditor struct {
	lister    LoanLister
	verifier  ChainVerifier
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Auditor.
func New(lister LoanLister, verifier ChainVerifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Auditor{
		lister:   lister,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start sweeps once immediately and then on every interval until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	a.sweep(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Auditor) sweep(ctx context.Context) {
	if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("auditor: sweep failed", zap.Error(err))
	}
}

// RunOnce verifies every chain with bounded concurrency. A chain that cannot
// be read is reported in Failed and does not stop the sweep; the returned
// error is reserved for failing to list loans or ctx ending.
func (a *Auditor) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	ids, err := a.lister.LoanIDs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &Report{Broken: []string{}, Failed: []string{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := a.verifier.Verify(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.logger.Warn("auditor: verify chain", zap.String("loan_id", id), zap.Error(err))
				report.Failed = append(report.Failed, id)
				return nil
			}
			report.Checked++
			if !res.IsValid {
				a.logger.Warn("auditor: broken chain",
					zap.String("loan_id", id),
					zap.Int64s("invalid_entries", res.InvalidEntries),
					zap.Bool("broken_chain", res.BrokenChain),
				)
				report.Broken = append(report.Broken, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.Sort(report.Broken)
	slices.Sort(report.Failed)

	took := time.Since(start)
	if a.onMetrics != nil {
		a.onMetrics(len(report.Broken), took)
	}
	a.logger.Info("auditor: sweep complete",
		zap.Int("checked", report.Checked),
		zap.Int("broken", len(report.Broken)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("took", took),
	)
	return report, nil
}
