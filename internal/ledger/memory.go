package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory, lock-free Store implementation.
// Each chain is an immutable slice published through an atomic pointer;
// commits copy the slice and swap the pointer, so readers always see a
// complete snapshot and never wait on writers. It is primarily useful for
// testing and single-process deployments that do not need durability.
type MemoryStore struct {
	chains sync.Map // loan ID → *memChain
}

type memChain struct {
	entries atomic.Pointer[[]*Entry]
}

func (c *memChain) snapshot() []*Entry {
	p := c.entries.Load()
	if p == nil {
		return nil
	}
	return *p
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) chain(loanID string) *memChain {
	if c, ok := s.chains.Load(loanID); ok {
		return c.(*memChain)
	}
	return nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context, loanID string) (*Entry, error) {
	c := s.chain(loanID)
	if c == nil {
		return nil, nil
	}
	entries := c.snapshot()
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1].clone(), nil
}

// CommitIfTailMatches implements Store.
func (s *MemoryStore) CommitIfTailMatches(_ context.Context, loanID, expectedPreviousHash string, candidate *Entry) error {
	if candidate.LoanID != loanID {
		return fmt.Errorf("candidate belongs to loan %q, not %q", candidate.LoanID, loanID)
	}

	v, _ := s.chains.LoadOrStore(loanID, &memChain{})
	c := v.(*memChain)

	old := c.entries.Load()
	var current []*Entry
	if old != nil {
		current = *old
	}

	tailHash, tailSeq := GenesisHash, int64(0)
	if n := len(current); n > 0 {
		tailHash, tailSeq = current[n-1].CurrentHash, current[n-1].SequenceNum
	}
	if tailHash != expectedPreviousHash || candidate.SequenceNum != tailSeq+1 {
		return ErrConcurrentAppend
	}

	next := make([]*Entry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, candidate.clone())
	if !c.entries.CompareAndSwap(old, &next) {
		return ErrConcurrentAppend
	}
	return nil
}

// ReadChain implements Store.
func (s *MemoryStore) ReadChain(_ context.Context, loanID string) ([]*Entry, error) {
	out := []*Entry{}
	c := s.chain(loanID)
	if c == nil {
		return out, nil
	}
	for _, e := range c.snapshot() {
		out = append(out, e.clone())
	}
	return out, nil
}

// LoanIDs implements Store.
func (s *MemoryStore) LoanIDs(_ context.Context) ([]string, error) {
	var ids []string
	s.chains.Range(func(k, v any) bool {
		if len(v.(*memChain).snapshot()) > 0 {
			ids = append(ids, k.(string))
		}
		return true
	})
	slices.Sort(ids)
	return ids, nil
}
