package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenesisHash is the PreviousHash of the first entry of every chain.
const GenesisHash = "GENESIS"

// SystemActor is the PerformedBy value for events raised without a human actor.
const SystemActor = "system"

// Entry is a single committed record in a loan's chain. Entries are never
// mutated after commit; stores hand out copies.
type Entry struct {
	ID           uuid.UUID        `json:"id"`
	LoanID       string           `json:"loanId"`
	SequenceNum  int64            `json:"sequenceNum"`
	EventType    EventType        `json:"eventType"`
	EventData    EventData        `json:"eventData"`
	Amount       *decimal.Decimal `json:"amount"`
	PerformedBy  string           `json:"performedBy"`
	Timestamp    time.Time        `json:"timestamp"`
	IPAddress    string           `json:"ipAddress,omitempty"`
	PreviousHash string           `json:"previousHash"`
	CurrentHash  string           `json:"currentHash"`

	// Corruption is set when a stored column could not be loaded as its
	// type. The entry is still returned so VerifyChain can report it.
	Corruption string `json:"-"`
}

// UnmarshalJSON decodes an entry, resolving eventData into the variant
// selected by eventType. A payload that does not decode as its variant is
// kept as RawEventData.
func (e *Entry) UnmarshalJSON(b []byte) error {
	type alias Entry
	var raw struct {
		alias
		EventData json.RawMessage `json:"eventData"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Entry(raw.alias)
	e.EventData = decodeStoredEventData(e.EventType, raw.EventData)
	return nil
}

// clone returns a copy that shares no mutable state with e.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.EventData = cloneEventData(e.EventData)
	if e.Amount != nil {
		a := *e.Amount
		cp.Amount = &a
	}
	return &cp
}

// AppendRequest carries one loan-lifecycle event from the loan service.
type AppendRequest struct {
	LoanID      string
	EventType   EventType
	EventData   EventData
	Amount      *decimal.Decimal
	PerformedBy string
	IPAddress   string
}

// VerificationResult is the outcome of recomputing one chain.
type VerificationResult struct {
	LoanID         string   `json:"loanId"`
	IsValid        bool     `json:"isValid"`
	TotalEntries   int      `json:"totalEntries"`
	InvalidEntries []int64  `json:"invalidEntries"`
	BrokenChain    bool     `json:"brokenChain"`
	Errors         []string `json:"errors"`
}
