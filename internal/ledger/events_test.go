package ledger_test

import (
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/jmerrifield20/loanledger/internal/ledger"
	"github.com/shopspring/decimal"
)

func TestEventTypes_closedSet(t *testing.T) {
	types := ledger.EventTypes()
	if len(types) != 20 {
		t.Fatalf("expected 20 event types, got %d", len(types))
	}
	for _, et := range types {
		if !et.Valid() {
			t.Errorf("%s reported invalid", et)
		}
		data, err := ledger.DecodeEventData(et, nil)
		if err != nil {
			t.Fatalf("DecodeEventData(%s, nil): %v", et, err)
		}
		if data.EventType() != et {
			t.Errorf("variant for %s reports %s", et, data.EventType())
		}
	}
	if ledger.EventType("LOAN_TELEPORTED").Valid() {
		t.Error("unknown event type reported valid")
	}
}

func TestDecodeEventData_errors(t *testing.T) {
	tests := []struct {
		name  string
		et    ledger.EventType
		raw   string
		field string
	}{
		{"unknown type", "LOAN_TELEPORTED", `{}`, "eventType"},
		{"unknown field", ledger.EventLoanRejected, `{"reason":"x","colour":"red"}`, "eventData"},
		{"wrong shape", ledger.EventPaymentReceived, `[1,2,3]`, "eventData"},
		{"fractional int", ledger.EventPaymentMissed, `{"emiNumber":2.5,"dueDate":"2026-01-01"}`, "eventData"},
		{"malformed json", ledger.EventLoanRejected, `{"reason":`, "eventData"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.DecodeEventData(tt.et, json.RawMessage(tt.raw))
			var ve *ledger.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field: got %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestDecodeEventData_paymentFields(t *testing.T) {
	data, err := ledger.DecodeEventData(ledger.EventPaymentReceived,
		json.RawMessage(`{"emiNumber":4.0,"paymentDate":"2026-05-05","transactionId":"TXN-88"}`))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := data.(*ledger.PaymentReceived)
	if !ok {
		t.Fatalf("expected *PaymentReceived, got %T", data)
	}
	if p.EMINumber != 4 || p.PaymentDate != "2026-05-05" || p.TransactionID != "TXN-88" {
		t.Errorf("unexpected payload: %+v", p)
	}

	out, _ := json.Marshal(p)
	if strings.Contains(string(out), "paymentMode") {
		t.Errorf("absent optional field must be omitted, got %s", out)
	}
}

func validRequest() ledger.AppendRequest {
	return ledger.AppendRequest{
		LoanID:    "L1",
		EventType: ledger.EventLoanCreated,
		EventData: &ledger.LoanCreated{
			BorrowerID:   "B-1",
			LoanType:     "HOME",
			Principal:    decimal.RequireFromString("2500000"),
			InterestRate: decimal.RequireFromString("8.4"),
			TenureMonths: 240,
		},
		PerformedBy: "officer-1",
		IPAddress:   "192.168.1.20",
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ledger.AppendRequest)
		field  string
	}{
		{"valid", func(r *ledger.AppendRequest) {}, ""},
		{"empty loan", func(r *ledger.AppendRequest) { r.LoanID = "  " }, "loanId"},
		{"long loan", func(r *ledger.AppendRequest) { r.LoanID = strings.Repeat("x", 129) }, "loanId"},
		{"bad type", func(r *ledger.AppendRequest) { r.EventType = "NOPE" }, "eventType"},
		{"no actor", func(r *ledger.AppendRequest) { r.PerformedBy = "" }, "performedBy"},
		{"no data", func(r *ledger.AppendRequest) { r.EventData = nil }, "eventData"},
		{"typed nil data", func(r *ledger.AppendRequest) { r.EventData = (*ledger.LoanCreated)(nil) }, "eventData"},
		{"raw data", func(r *ledger.AppendRequest) {
			r.EventData = &ledger.RawEventData{Type: ledger.EventLoanCreated, Data: json.RawMessage(`{}`)}
		}, "eventData"},
		{"huge amount", func(r *ledger.AppendRequest) {
			amt := decimal.RequireFromString("1e100000000")
			r.Amount = &amt
		}, "amount"},
		{"tiny amount", func(r *ledger.AppendRequest) {
			amt := decimal.RequireFromString("1e-100000000")
			r.Amount = &amt
		}, "amount"},
		{"huge principal", func(r *ledger.AppendRequest) {
			r.EventData.(*ledger.LoanCreated).Principal = decimal.RequireFromString("1e100000000")
		}, "eventData.principal"},
		{"mismatched variant", func(r *ledger.AppendRequest) {
			r.EventData = &ledger.LoanRejected{Reason: "x"}
		}, "eventData"},
		{"bad ip", func(r *ledger.AppendRequest) { r.IPAddress = "not-an-ip" }, "ipAddress"},
		{"missing required", func(r *ledger.AppendRequest) {
			r.EventData.(*ledger.LoanCreated).BorrowerID = ""
		}, "eventData.borrowerId"},
		{"non-positive principal", func(r *ledger.AppendRequest) {
			r.EventData.(*ledger.LoanCreated).Principal = decimal.Zero
		}, "eventData.principal"},
		{"zero tenure", func(r *ledger.AppendRequest) {
			r.EventData.(*ledger.LoanCreated).TenureMonths = 0
		}, "eventData.tenureMonths"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := ledger.ValidateRequest(&req)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			var ve *ledger.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field: got %q, want %q (%v)", ve.Field, tt.field, err)
			}
		})
	}
}

func TestValidateRequest_variantRules(t *testing.T) {
	tests := []struct {
		name string
		data ledger.EventData
		ok   bool
	}{
		{"payment ok", &ledger.PaymentReceived{EMINumber: 1, PaymentDate: "2026-01-10", TransactionID: "T1"}, true},
		{"payment bad date", &ledger.PaymentReceived{EMINumber: 1, PaymentDate: "10/01/2026", TransactionID: "T1"}, false},
		{"payment zero emi", &ledger.PaymentReceived{EMINumber: 0, PaymentDate: "2026-01-10", TransactionID: "T1"}, false},
		{"status same", &ledger.StatusChanged{FromStatus: "ACTIVE", ToStatus: "ACTIVE"}, false},
		{"status ok", &ledger.StatusChanged{FromStatus: "ACTIVE", ToStatus: "NPA"}, true},
		{"closure type", &ledger.LoanClosed{ClosureDate: "2027-01-01", ClosureType: "MAGIC"}, false},
		{"credit score range", &ledger.CreditCheckCompleted{Bureau: "CIBIL", Score: 1200, ReportID: "R"}, false},
		{"negative penalty", func() ledger.EventData {
			p := decimal.RequireFromString("-1")
			return &ledger.PaymentLate{EMINumber: 2, DueDate: "2026-01-01", PaymentDate: "2026-01-05", DaysLate: 4, Penalty: &p}
		}(), false},
		{"restructure ok", &ledger.LoanRestructured{Reason: "hardship", NewTenureMonths: 48}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ledger.AppendRequest{
				LoanID: "L1", EventType: tt.data.EventType(), EventData: tt.data, PerformedBy: "system",
			}
			err := ledger.ValidateRequest(&req)
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !ledger.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDecodeEventData_boundsNumbers(t *testing.T) {
	tests := []struct {
		name  string
		et    ledger.EventType
		raw   string
		field string
	}{
		{"exponent", ledger.EventPaymentMissed, `{"emiNumber":1e100000000,"dueDate":"2026-07-01"}`, "eventData"},
		{"negative exponent", ledger.EventPaymentMissed, `{"emiNumber":1e-100000000,"dueDate":"2026-07-01"}`, "eventData"},
		{"long literal", ledger.EventPaymentMissed, `{"emiNumber":` + strings.Repeat("9", 200) + `,"dueDate":"2026-07-01"}`, "eventData"},
		{"decimal string", ledger.EventLoanCreated,
			`{"borrowerId":"B","loanType":"HOME","principal":"1e100000000","interestRate":8,"tenureMonths":12}`,
			"eventData.principal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := ledger.DecodeEventData(tt.et, json.RawMessage(tt.raw))
			runtime.ReadMemStats(&after)

			var ve *ledger.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("got %v, want ValidationError on %s", err, tt.field)
			}
			if grew := after.TotalAlloc - before.TotalAlloc; grew > 16<<20 {
				t.Errorf("rejecting the number allocated %d bytes", grew)
			}
		})
	}
}

func TestDecodeEventData_acceptsOrdinaryNumbers(t *testing.T) {
	data := mustDecode(t, ledger.EventLoanCreated,
		`{"borrowerId":"B","loanType":"HOME","principal":2.5e6,"interestRate":"8.40","tenureMonths":240.0}`)
	lc := data.(*ledger.LoanCreated)
	if lc.Principal.String() != "2500000" || lc.TenureMonths != 240 {
		t.Errorf("got %+v", lc)
	}
}
