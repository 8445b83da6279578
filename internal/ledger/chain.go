package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NextEntry builds the candidate that extends a chain whose current tail is
// tail (nil for an empty chain). The timestamp is now truncated to
// microseconds and clamped so it never precedes the tail's.
func NextEntry(tail *Entry, req *AppendRequest, now time.Time) (*Entry, error) {
	seq := int64(1)
	prevHash := GenesisHash
	ts := now.UTC().Truncate(time.Microsecond)

	if tail != nil {
		seq = tail.SequenceNum + 1
		prevHash = tail.CurrentHash
		if ts.Before(tail.Timestamp) {
			ts = tail.Timestamp.UTC()
		}
	}

	entry := &Entry{
		ID:           uuid.New(),
		LoanID:       req.LoanID,
		SequenceNum:  seq,
		EventType:    req.EventType,
		EventData:    req.EventData,
		Amount:       req.Amount,
		PerformedBy:  req.PerformedBy,
		Timestamp:    ts,
		IPAddress:    req.IPAddress,
		PreviousHash: prevHash,
	}

	hash, err := Hash(entry)
	if err != nil {
		return nil, fmt.Errorf("hash entry: %w", err)
	}
	entry.CurrentHash = hash
	return entry, nil
}
