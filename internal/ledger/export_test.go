package ledger

// DecodeStoredEventData is the row decoder used by PostgresStore.
var DecodeStoredEventData = decodeStoredEventData

// ScanEntry is the row scanner used by PostgresStore.
var ScanEntry = scanEntry

// Tamper rewrites a committed entry in place, bypassing the append protocol,
// the way a direct edit to the backing rows would.
func (s *MemoryStore) Tamper(loanID string, seq int64, mutate func(e *Entry)) bool {
	c := s.chain(loanID)
	if c == nil {
		return false
	}
	current := c.snapshot()
	next := make([]*Entry, len(current))
	copy(next, current)
	for i, e := range next {
		if e.SequenceNum == seq {
			cp := e.clone()
			mutate(cp)
			next[i] = cp
			c.entries.Store(&next)
			return true
		}
	}
	return false
}

// Drop deletes a committed entry, leaving a gap in the chain.
func (s *MemoryStore) Drop(loanID string, seq int64) bool {
	c := s.chain(loanID)
	if c == nil {
		return false
	}
	current := c.snapshot()
	next := make([]*Entry, 0, len(current))
	for _, e := range current {
		if e.SequenceNum != seq {
			next = append(next, e)
		}
	}
	if len(next) == len(current) {
		return false
	}
	c.entries.Store(&next)
	return true
}
