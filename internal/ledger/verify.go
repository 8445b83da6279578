package ledger

import "fmt"

// VerifyChain recomputes a chain snapshot ordered by sequence number.
//
// Each entry is checked for sequence contiguity, for its own content hash,
// and for its link to the recomputed chain. The recomputed chain starts at
// GenesisHash and, at every position, hashes the stored content with the
// recomputed predecessor substituted as PreviousHash. On an intact chain it
// equals the stored hashes; after a tampered entry k it diverges for good, so
// k is reported invalid and every later entry reports a broken link.
func VerifyChain(loanID string, entries []*Entry) *VerificationResult {
	res := &VerificationResult{
		LoanID:         loanID,
		TotalEntries:   len(entries),
		InvalidEntries: []int64{},
		Errors:         []string{},
	}

	expectedPrev := GenesisHash
	expectedSeq := int64(1)
	for _, e := range entries {
		if e.SequenceNum != expectedSeq {
			res.BrokenChain = true
			res.Errors = append(res.Errors,
				fmt.Sprintf("sequence gap: expected entry %d, found %d", expectedSeq, e.SequenceNum))
		}
		linked := e.PreviousHash == expectedPrev
		if !linked {
			res.BrokenChain = true
			res.Errors = append(res.Errors,
				fmt.Sprintf("entry %d: previous hash %s does not link to %s", e.SequenceNum, e.PreviousHash, expectedPrev))
		}

		var problems []string
		if e.Corruption != "" {
			problems = append(problems, fmt.Sprintf("entry %d: %s", e.SequenceNum, e.Corruption))
		}
		if raw, ok := e.EventData.(*RawEventData); ok {
			problems = append(problems,
				fmt.Sprintf("entry %d: event data does not decode as %s: %s", e.SequenceNum, e.EventType, raw.Reason))
		}
		hash, err := Hash(e)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("entry %d: cannot be hashed: %v", e.SequenceNum, err))
			hash = e.CurrentHash
		case hash != e.CurrentHash:
			problems = append(problems,
				fmt.Sprintf("entry %d: content hash %s does not match stored hash %s", e.SequenceNum, hash, e.CurrentHash))
		}
		if len(problems) > 0 {
			res.InvalidEntries = append(res.InvalidEntries, e.SequenceNum)
			res.Errors = append(res.Errors, problems...)
		}

		if !linked {
			relinked := *e
			relinked.PreviousHash = expectedPrev
			if h, err := Hash(&relinked); err == nil {
				hash = h
			}
		}
		expectedPrev = hash
		expectedSeq++
	}

	res.IsValid = len(res.InvalidEntries) == 0 && !res.BrokenChain
	return res
}
