package ledger_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmerrifield20/loanledger/internal/ledger"
)

func TestNextEntry_genesis(t *testing.T) {
	req := validRequest()
	e, err := ledger.NextEntry(nil, &req, fixedTime.Add(1234*time.Nanosecond))
	if err != nil {
		t.Fatal(err)
	}
	if e.SequenceNum != 1 {
		t.Errorf("SequenceNum: got %d, want 1", e.SequenceNum)
	}
	if e.PreviousHash != ledger.GenesisHash {
		t.Errorf("PreviousHash: got %q, want GENESIS", e.PreviousHash)
	}
	if !e.Timestamp.Equal(fixedTime.Add(time.Microsecond)) {
		t.Errorf("timestamp not truncated to microseconds: %v", e.Timestamp)
	}
	want, _ := ledger.Hash(e)
	if e.CurrentHash != want {
		t.Errorf("CurrentHash: got %q, want %q", e.CurrentHash, want)
	}
}

func TestNextEntry_chainsFromTail(t *testing.T) {
	req := validRequest()
	first, _ := ledger.NextEntry(nil, &req, fixedTime)

	second, err := ledger.NextEntry(first, &req, fixedTime.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if second.SequenceNum != 2 {
		t.Errorf("SequenceNum: got %d, want 2", second.SequenceNum)
	}
	if second.PreviousHash != first.CurrentHash {
		t.Errorf("PreviousHash: got %q, want %q", second.PreviousHash, first.CurrentHash)
	}
	if second.ID == first.ID {
		t.Error("entries must get distinct IDs")
	}
}

func TestNextEntry_clampsBackwardsClock(t *testing.T) {
	req := validRequest()
	first, _ := ledger.NextEntry(nil, &req, fixedTime)

	second, err := ledger.NextEntry(first, &req, fixedTime.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Timestamp.Equal(first.Timestamp) {
		t.Errorf("timestamp: got %v, want clamp to %v", second.Timestamp, first.Timestamp)
	}
}

func TestEntry_jsonRoundTripKeepsHash(t *testing.T) {
	req := validRequest()
	e, _ := ledger.NextEntry(nil, &req, fixedTime)

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var got ledger.Entry
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got.EventData.(*ledger.LoanCreated); !ok {
		t.Fatalf("eventData decoded as %T", got.EventData)
	}
	hash, err := ledger.Hash(&got)
	if err != nil {
		t.Fatal(err)
	}
	if hash != e.CurrentHash || got.CurrentHash != e.CurrentHash {
		t.Errorf("hash after round trip: got %s, want %s", hash, e.CurrentHash)
	}
}

func TestEntry_jsonKeepsUndecodablePayload(t *testing.T) {
	req := rejected("L1", "r1")
	e, _ := ledger.NextEntry(nil, &req, fixedTime)
	e.EventData = ledger.DecodeStoredEventData(ledger.EventLoanRejected,
		[]byte(`{"reason":"r1","note":"added in db"}`))

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var got ledger.Entry
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("tampered entry must still decode, got %v", err)
	}
	raw, ok := got.EventData.(*ledger.RawEventData)
	if !ok {
		t.Fatalf("eventData decoded as %T", got.EventData)
	}
	if raw.Type != ledger.EventLoanRejected {
		t.Errorf("raw type: got %s", raw.Type)
	}
	before, _ := ledger.Hash(e)
	after, _ := ledger.Hash(&got)
	if before != after {
		t.Errorf("hash changed across JSON: %s vs %s", before, after)
	}
}
