package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often Append re-reads the tail after losing a race.
type RetryPolicy struct {
	MaxAttempts     int           // total commit attempts, including the first
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // cap on a single delay
}

// DefaultRetryPolicy allows five attempts with jittered exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

// AppendRecorder observes the outcome of every Append call: "committed",
// "conflict", "invalid" or "error", with the number of commit attempts made.
type AppendRecorder func(outcome string, attempts int)

// VerifyRecorder observes the outcome of every Verify call.
type VerifyRecorder func(valid bool)

// Ledger is the Append/Read/Verify boundary over a Store. It holds no
// per-chain state; any number of Ledger instances, in any number of
// processes, may share one Store.
type Ledger struct {
	store    Store
	retry    RetryPolicy
	now      func() time.Time
	onAppend AppendRecorder
	onVerify VerifyRecorder
	logger   *zap.Logger
}

// New creates a Ledger over store using DefaultRetryPolicy.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		retry:  DefaultRetryPolicy,
		now:    time.Now,
		logger: logger,
	}
}

// SetRetryPolicy replaces the conflict retry policy. Non-positive fields keep
// their defaults.
func (l *Ledger) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	l.retry = p
}

// SetClock overrides the wall clock used for entry timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetAppendRecorder configures the append metrics callback.
func (l *Ledger) SetAppendRecorder(fn AppendRecorder) {
	l.onAppend = fn
}

// SetVerifyRecorder configures the verification metrics callback.
func (l *Ledger) SetVerifyRecorder(fn VerifyRecorder) {
	l.onVerify = fn
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Append validates req, then extends the loan's chain by one entry. Lost
// races are retried from a fresh tail read; once the budget is exhausted the
// returned error wraps ErrConcurrentAppend. A *ValidationError is returned
// before any storage access.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if err := ValidateRequest(&req); err != nil {
		l.record("invalid", 0)
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry.InitialInterval
	b.MaxInterval = l.retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.retry.MaxAttempts-1)), ctx)

	var (
		committed *Entry
		attempts  int
	)
	op := func() error {
		attempts++
		tail, err := l.store.Tail(ctx, req.LoanID)
		if err != nil {
			return backoff.Permanent(err)
		}

		candidate, err := NextEntry(tail, &req, l.now())
		if err != nil {
			return backoff.Permanent(err)
		}

		if err := l.store.CommitIfTailMatches(ctx, req.LoanID, candidate.PreviousHash, candidate); err != nil {
			if errors.Is(err, ErrConcurrentAppend) {
				return err
			}
			return backoff.Permanent(err)
		}
		committed = candidate
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("ledger append lost race, retrying",
			zap.String("loan_id", req.LoanID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		switch {
		case errors.Is(err, ErrConcurrentAppend):
			l.record("conflict", attempts)
			l.logger.Warn("ledger append abandoned after conflicts",
				zap.String("loan_id", req.LoanID),
				zap.Int("attempts", attempts),
			)
			return nil, fmt.Errorf("append to %s after %d attempts: %w", req.LoanID, attempts, err)
		default:
			l.record("error", attempts)
			l.logger.Error("ledger append failed",
				zap.String("loan_id", req.LoanID),
				zap.String("event_type", string(req.EventType)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("append to %s: %w", req.LoanID, err)
		}
	}

	l.record("committed", attempts)
	l.logger.Debug("ledger entry appended",
		zap.String("loan_id", committed.LoanID),
		zap.Int64("seq", committed.SequenceNum),
		zap.String("event_type", string(committed.EventType)),
	)
	return committed, nil
}

// Read returns the loan's chain ordered by sequence number. A loan with no
// entries yields an empty slice and no error.
func (l *Ledger) Read(ctx context.Context, loanID string) ([]*Entry, error) {
	entries, err := l.store.ReadChain(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("read chain %s: %w", loanID, err)
	}
	return entries, nil
}

// Entry returns the entry at seq, or ErrNotFound.
func (l *Ledger) Entry(ctx context.Context, loanID string, seq int64) (*Entry, error) {
	entries, err := l.Read(ctx, loanID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.SequenceNum == seq {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// Head returns the chain length and tail hash (GenesisHash when empty).
func (l *Ledger) Head(ctx context.Context, loanID string) (int64, string, error) {
	tail, err := l.store.Tail(ctx, loanID)
	if err != nil {
		return 0, "", fmt.Errorf("read head %s: %w", loanID, err)
	}
	if tail == nil {
		return 0, GenesisHash, nil
	}
	return tail.SequenceNum, tail.CurrentHash, nil
}

// Verify recomputes the loan's chain from one snapshot. Corruption is
// reported in the result; the returned error is reserved for storage
// failures.
func (l *Ledger) Verify(ctx context.Context, loanID string) (*VerificationResult, error) {
	entries, err := l.store.ReadChain(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("read chain %s: %w", loanID, err)
	}

	res := VerifyChain(loanID, entries)
	if l.onVerify != nil {
		l.onVerify(res.IsValid)
	}
	if !res.IsValid {
		l.logger.Warn("ledger chain failed verification",
			zap.String("loan_id", loanID),
			zap.Int("entries", res.TotalEntries),
			zap.Int("invalid", len(res.InvalidEntries)),
			zap.Bool("broken_chain", res.BrokenChain),
		)
	}
	return res, nil
}

func (l *Ledger) record(outcome string, attempts int) {
	if l.onAppend != nil {
		l.onAppend(outcome, attempts)
	}
}
