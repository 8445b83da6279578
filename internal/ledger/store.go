package ledger

import "context"

// Store is the persistence boundary of the ledger. Implementations must make
// CommitIfTailMatches atomic: either the candidate becomes the new tail or
// nothing is written. Both MemoryStore and PostgresStore implement Store.
type Store interface {
	// Tail returns the highest-sequence entry for loanID, or nil when the
	// chain is empty.
	Tail(ctx context.Context, loanID string) (*Entry, error)

	// CommitIfTailMatches stores candidate only if the current tail's
	// CurrentHash equals expectedPreviousHash (GenesisHash for an empty
	// chain) and candidate.SequenceNum is the tail's plus one. Otherwise it
	// returns ErrConcurrentAppend and writes nothing.
	CommitIfTailMatches(ctx context.Context, loanID, expectedPreviousHash string, candidate *Entry) error

	// ReadChain returns every committed entry for loanID ordered by
	// SequenceNum, read as one consistent snapshot. An unknown loan yields
	// an empty slice.
	ReadChain(ctx context.Context, loanID string) ([]*Entry, error)

	// LoanIDs lists every loan with at least one entry.
	LoanIDs(ctx context.Context) ([]string, error)
}
