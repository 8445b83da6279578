package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/loanledger/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newLedger(s ledger.Store) *ledger.Ledger {
	l := ledger.New(s, zap.NewNop())
	l.SetRetryPolicy(ledger.RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Microsecond,
		MaxInterval:     time.Millisecond,
	})
	return l
}

func rejected(loanID, reason string) ledger.AppendRequest {
	return ledger.AppendRequest{
		LoanID:      loanID,
		EventType:   ledger.EventLoanRejected,
		EventData:   &ledger.LoanRejected{Reason: reason},
		PerformedBy: ledger.SystemActor,
	}
}

func TestLedger_createThenApprove(t *testing.T) {
	l := newLedger(ledger.NewMemoryStore())

	amt := decimal.RequireFromString("2500000")
	created := validRequest()
	created.Amount = &amt
	first, err := l.Append(ctx, created)
	if err != nil {
		t.Fatalf("append LOAN_CREATED: %v", err)
	}
	if first.SequenceNum != 1 || first.PreviousHash != ledger.GenesisHash {
		t.Errorf("first entry: seq=%d prev=%q", first.SequenceNum, first.PreviousHash)
	}

	second, err := l.Append(ctx, ledger.AppendRequest{
		LoanID:    "L1",
		EventType: ledger.EventLoanApproved,
		EventData: &ledger.LoanApproved{
			ApprovedAmount: decimal.RequireFromString("2400000"),
			Remarks:        "salary account required",
		},
		PerformedBy: "manager-2",
	})
	if err != nil {
		t.Fatalf("append LOAN_APPROVED: %v", err)
	}
	if second.SequenceNum != 2 || second.PreviousHash != first.CurrentHash {
		t.Errorf("second entry: seq=%d prev=%q, want prev %q", second.SequenceNum, second.PreviousHash, first.CurrentHash)
	}

	res, err := l.Verify(ctx, "L1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsValid || res.TotalEntries != 2 || len(res.InvalidEntries) != 0 || res.BrokenChain {
		t.Errorf("unexpected verification result: %+v", res)
	}

	seq, hash, err := l.Head(ctx, "L1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 || hash != second.CurrentHash {
		t.Errorf("Head: got (%d, %q)", seq, hash)
	}
}

func TestLedger_readUnknownLoan(t *testing.T) {
	l := newLedger(ledger.NewMemoryStore())

	entries, err := l.Read(ctx, "L2")
	if err != nil {
		t.Fatal(err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("expected empty slice, got %#v", entries)
	}

	res, err := l.Verify(ctx, "L2")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsValid || res.TotalEntries != 0 {
		t.Errorf("empty chain should verify, got %+v", res)
	}

	seq, hash, _ := l.Head(ctx, "L2")
	if seq != 0 || hash != ledger.GenesisHash {
		t.Errorf("Head on empty chain: got (%d, %q)", seq, hash)
	}
}

func TestLedger_serialAppendsStayValid(t *testing.T) {
	l := newLedger(ledger.NewMemoryStore())
	const n = 25
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, rejected("L1", fmt.Sprintf("reason-%d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, _ := l.Read(ctx, "L1")
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for i, e := range entries {
		if e.SequenceNum != int64(i+1) {
			t.Errorf("entry %d has seq %d", i, e.SequenceNum)
		}
		if i > 0 && e.Timestamp.Before(entries[i-1].Timestamp) {
			t.Errorf("entry %d timestamp went backwards", e.SequenceNum)
		}
	}
	if res, _ := l.Verify(ctx, "L1"); !res.IsValid {
		t.Errorf("chain failed verification: %+v", res)
	}
}

func TestLedger_concurrentAppends(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	l.SetRetryPolicy(ledger.RetryPolicy{
		MaxAttempts:     200,
		InitialInterval: 100 * time.Microsecond,
		MaxInterval:     2 * time.Millisecond,
	})

	const m = 40
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, rejected("L1", fmt.Sprintf("writer-%d", i))); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("%d appends failed, first: %v", len(errs), errs[0])
	}

	entries, _ := l.Read(ctx, "L1")
	if len(entries) != m {
		t.Fatalf("expected %d entries, got %d", m, len(entries))
	}
	seen := make(map[string]bool, m)
	for i, e := range entries {
		if e.SequenceNum != int64(i+1) {
			t.Errorf("position %d holds seq %d", i, e.SequenceNum)
		}
		reason := e.EventData.(*ledger.LoanRejected).Reason
		if seen[reason] {
			t.Errorf("duplicate entry for %s", reason)
		}
		seen[reason] = true
	}
	if res, _ := l.Verify(ctx, "L1"); !res.IsValid {
		t.Errorf("chain failed verification: %+v", res)
	}
}

func TestLedger_tamperedEntryDetected(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := newLedger(store)

	for _, req := range []ledger.AppendRequest{validRequest(), rejected("L1", "policy"), rejected("L1", "appeal denied")} {
		if _, err := l.Append(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	ok := store.Tamper("L1", 1, func(e *ledger.Entry) {
		e.EventData = &ledger.LoanCreated{
			BorrowerID:   "B-1",
			LoanType:     "HOME",
			Principal:    decimal.RequireFromString("9900000"),
			InterestRate: decimal.RequireFromString("8.4"),
			TenureMonths: 240,
		}
	})
	if !ok {
		t.Fatal("tamper target not found")
	}

	res, err := l.Verify(ctx, "L1")
	if err != nil {
		t.Fatal(err)
	}
	if res.IsValid {
		t.Fatal("tampered chain reported valid")
	}
	if len(res.InvalidEntries) != 1 || res.InvalidEntries[0] != 1 {
		t.Errorf("InvalidEntries: got %v, want [1]", res.InvalidEntries)
	}
	if !res.BrokenChain {
		t.Error("expected brokenChain after content tamper")
	}
}

// conflictStore reports every commit as a lost race.
type conflictStore struct {
	ledger.Store
	mu      sync.Mutex
	commits int
}

func (s *conflictStore) CommitIfTailMatches(context.Context, string, string, *ledger.Entry) error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return ledger.ErrConcurrentAppend
}

func TestLedger_terminalConflict(t *testing.T) {
	store := &conflictStore{Store: ledger.NewMemoryStore()}
	l := newLedger(store)

	var outcome string
	var attempts int
	l.SetAppendRecorder(func(o string, a int) { outcome, attempts = o, a })

	_, err := l.Append(ctx, validRequest())
	if !errors.Is(err, ledger.ErrConcurrentAppend) {
		t.Fatalf("got %v, want ErrConcurrentAppend", err)
	}
	if store.commits != 5 {
		t.Errorf("commit attempts: got %d, want 5", store.commits)
	}
	if outcome != "conflict" || attempts != 5 {
		t.Errorf("recorder: got (%q, %d)", outcome, attempts)
	}
}

// failingStore fails every operation with a storage error.
type failingStore struct {
	calls int
}

var errDiskOnFire = errors.New("disk on fire")

func (s *failingStore) Tail(context.Context, string) (*ledger.Entry, error) {
	s.calls++
	return nil, errDiskOnFire
}

func (s *failingStore) CommitIfTailMatches(context.Context, string, string, *ledger.Entry) error {
	s.calls++
	return errDiskOnFire
}

func (s *failingStore) ReadChain(context.Context, string) ([]*ledger.Entry, error) {
	s.calls++
	return nil, errDiskOnFire
}

func (s *failingStore) LoanIDs(context.Context) ([]string, error) {
	s.calls++
	return nil, errDiskOnFire
}

func TestLedger_storageErrorNotRetried(t *testing.T) {
	store := &failingStore{}
	l := newLedger(store)

	_, err := l.Append(ctx, validRequest())
	if !errors.Is(err, errDiskOnFire) {
		t.Fatalf("got %v, want wrapped storage error", err)
	}
	if errors.Is(err, ledger.ErrConcurrentAppend) {
		t.Error("storage error must not be reported as a conflict")
	}
	if store.calls != 1 {
		t.Errorf("store calls: got %d, want 1", store.calls)
	}

	if _, err := l.Verify(ctx, "L1"); !errors.Is(err, errDiskOnFire) {
		t.Errorf("Verify: got %v, want storage error", err)
	}
}

func TestLedger_validationBeforeStorage(t *testing.T) {
	store := &failingStore{}
	l := newLedger(store)

	var outcome string
	l.SetAppendRecorder(func(o string, _ int) { outcome = o })

	req := validRequest()
	req.PerformedBy = ""
	_, err := l.Append(ctx, req)
	if !ledger.IsValidation(err) {
		t.Fatalf("got %v, want validation error", err)
	}
	if store.calls != 0 {
		t.Errorf("invalid request reached the store %d times", store.calls)
	}
	if outcome != "invalid" {
		t.Errorf("recorder outcome: got %q", outcome)
	}
}

func TestLedger_hugeAmountNeverCommitted(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := newLedger(store)

	req := validRequest()
	amt := decimal.RequireFromString("1e100000000")
	req.Amount = &amt
	var ve *ledger.ValidationError
	if _, err := l.Append(ctx, req); !errors.As(err, &ve) || ve.Field != "amount" {
		t.Fatalf("got %v, want amount validation error", err)
	}
	if ids, _ := store.LoanIDs(ctx); len(ids) != 0 {
		t.Errorf("rejected append was stored: %v", ids)
	}
}

func TestLedger_entryLookup(t *testing.T) {
	l := newLedger(ledger.NewMemoryStore())
	_, _ = l.Append(ctx, validRequest())
	second, _ := l.Append(ctx, rejected("L1", "duplicate application"))

	got, err := l.Entry(ctx, "L1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentHash != second.CurrentHash {
		t.Errorf("Entry(2): got hash %q, want %q", got.CurrentHash, second.CurrentHash)
	}
	if _, err := l.Entry(ctx, "L1", 3); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Entry(3): got %v, want ErrNotFound", err)
	}
}

func TestLedger_clockAndRecorders(t *testing.T) {
	l := newLedger(ledger.NewMemoryStore())
	l.SetClock(func() time.Time { return fixedTime })

	var verified []bool
	l.SetVerifyRecorder(func(valid bool) { verified = append(verified, valid) })

	e, err := l.Append(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !e.Timestamp.Equal(fixedTime) {
		t.Errorf("timestamp: got %v, want %v", e.Timestamp, fixedTime)
	}

	_, _ = l.Verify(ctx, "L1")
	if len(verified) != 1 || !verified[0] {
		t.Errorf("verify recorder calls: %v", verified)
	}
}
