package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/shopspring/decimal"
)

// EventType identifies a loan lifecycle transition. The set is closed.
type EventType string

const (
	EventLoanCreated          EventType = "LOAN_CREATED"
	EventLoanApproved         EventType = "LOAN_APPROVED"
	EventLoanRejected         EventType = "LOAN_REJECTED"
	EventLoanDisbursed        EventType = "LOAN_DISBURSED"
	EventPaymentReceived      EventType = "PAYMENT_RECEIVED"
	EventPaymentMissed        EventType = "PAYMENT_MISSED"
	EventPaymentLate          EventType = "PAYMENT_LATE"
	EventLoanClosed           EventType = "LOAN_CLOSED"
	EventLoanDefaulted        EventType = "LOAN_DEFAULTED"
	EventCollateralAdded      EventType = "COLLATERAL_ADDED"
	EventCollateralRemoved    EventType = "COLLATERAL_REMOVED"
	EventStatusChanged        EventType = "STATUS_CHANGED"
	EventDocumentUploaded     EventType = "DOCUMENT_UPLOADED"
	EventDocumentVerified     EventType = "DOCUMENT_VERIFIED"
	EventCreditCheckCompleted EventType = "CREDIT_CHECK_COMPLETED"
	EventInterestRateChanged  EventType = "INTEREST_RATE_CHANGED"
	EventTenureModified       EventType = "TENURE_MODIFIED"
	EventLoanRestructured     EventType = "LOAN_RESTRUCTURED"
	EventWriteOff             EventType = "WRITE_OFF"
	EventRecovery             EventType = "RECOVERY"
)

// eventDataFactories maps every known EventType to a constructor for its
// payload variant.
var eventDataFactories = map[EventType]func() EventData{
	EventLoanCreated:          func() EventData { return &LoanCreated{} },
	EventLoanApproved:         func() EventData { return &LoanApproved{} },
	EventLoanRejected:         func() EventData { return &LoanRejected{} },
	EventLoanDisbursed:        func() EventData { return &LoanDisbursed{} },
	EventPaymentReceived:      func() EventData { return &PaymentReceived{} },
	EventPaymentMissed:        func() EventData { return &PaymentMissed{} },
	EventPaymentLate:          func() EventData { return &PaymentLate{} },
	EventLoanClosed:           func() EventData { return &LoanClosed{} },
	EventLoanDefaulted:        func() EventData { return &LoanDefaulted{} },
	EventCollateralAdded:      func() EventData { return &CollateralAdded{} },
	EventCollateralRemoved:    func() EventData { return &CollateralRemoved{} },
	EventStatusChanged:        func() EventData { return &StatusChanged{} },
	EventDocumentUploaded:     func() EventData { return &DocumentUploaded{} },
	EventDocumentVerified:     func() EventData { return &DocumentVerified{} },
	EventCreditCheckCompleted: func() EventData { return &CreditCheckCompleted{} },
	EventInterestRateChanged:  func() EventData { return &InterestRateChanged{} },
	EventTenureModified:       func() EventData { return &TenureModified{} },
	EventLoanRestructured:     func() EventData { return &LoanRestructured{} },
	EventWriteOff:             func() EventData { return &WriteOff{} },
	EventRecovery:             func() EventData { return &Recovery{} },
}

// Valid reports whether t is a member of the closed enumeration.
func (t EventType) Valid() bool {
	_, ok := eventDataFactories[t]
	return ok
}

// EventTypes returns every known event type in lexical order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventDataFactories))
	for t := range eventDataFactories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// EventData is the payload of one event. Each EventType has exactly one
// concrete variant; the variant's fields are its schema.
type EventData interface {
	EventType() EventType
}

// DecodeEventData decodes raw JSON into the variant for t. Numbers are
// normalised first, so 3, 3.0 and 3e0 decode identically; unknown fields
// are rejected. A nil or null payload decodes to the zero variant.
func DecodeEventData(t EventType, raw json.RawMessage) (EventData, error) {
	factory, ok := eventDataFactories[t]
	if !ok {
		return nil, &ValidationError{Field: "eventType", Reason: fmt.Sprintf("unknown event type %q", t)}
	}
	data := factory()

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return data, nil
	}

	normalised, err := normaliseJSON(raw)
	if err != nil {
		return nil, &ValidationError{Field: "eventData", Reason: err.Error()}
	}

	dec := json.NewDecoder(bytes.NewReader(normalised))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, &ValidationError{Field: "eventData", Reason: err.Error()}
	}
	if err := checkDecimalFields(data); err != nil {
		return nil, err
	}
	return data, nil
}

// RawEventData carries a stored payload that no longer decodes as the
// variant of its event type. It marshals to the stored bytes unchanged, so
// the entry still hashes and VerifyChain reports it as tampered.
type RawEventData struct {
	Type   EventType
	Data   json.RawMessage
	Reason string
}

func (r *RawEventData) EventType() EventType { return r.Type }

func (r *RawEventData) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(r.Data)) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

// decodeStoredEventData decodes a persisted payload, keeping it as
// RawEventData when it fails to decode.
func decodeStoredEventData(t EventType, raw []byte) EventData {
	data, err := DecodeEventData(t, raw)
	if err != nil {
		return &RawEventData{Type: t, Data: bytes.Clone(raw), Reason: err.Error()}
	}
	return data
}

// cloneEventData returns a deep copy of d with the same concrete type.
// Variants are plain JSON-mapped structs, so a JSON round trip copies every
// field the canonical encoding can see.
func cloneEventData(d EventData) EventData {
	if d == nil {
		return nil
	}
	if raw, ok := d.(*RawEventData); ok {
		cp := *raw
		cp.Data = bytes.Clone(raw.Data)
		return &cp
	}

	rv := reflect.ValueOf(d)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return d
	}
	b, err := json.Marshal(d)
	if err != nil {
		return &RawEventData{Type: d.EventType(), Reason: err.Error()}
	}

	var target reflect.Value
	if rv.Kind() == reflect.Pointer {
		target = reflect.New(rv.Type().Elem())
	} else {
		target = reflect.New(rv.Type())
	}
	if err := json.Unmarshal(b, target.Interface()); err != nil {
		return &RawEventData{Type: d.EventType(), Data: b, Reason: err.Error()}
	}
	if rv.Kind() == reflect.Pointer {
		return target.Interface().(EventData)
	}
	return target.Elem().Interface().(EventData)
}

func isNilEventData(d EventData) bool {
	if d == nil {
		return true
	}
	rv := reflect.ValueOf(d)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// ── Variants ─────────────────────────────────────────────────────────────────

// LoanCreated opens a chain.
type LoanCreated struct {
	BorrowerID   string          `json:"borrowerId"   validate:"required"`
	LoanType     string          `json:"loanType"     validate:"required"`
	Principal    decimal.Decimal `json:"principal"    validate:"gt=0"`
	InterestRate decimal.Decimal `json:"interestRate" validate:"gte=0"`
	TenureMonths int             `json:"tenureMonths" validate:"gt=0"`
	Purpose      string          `json:"purpose,omitempty"`
	BranchCode   string          `json:"branchCode,omitempty"`
}

func (LoanCreated) EventType() EventType { return EventLoanCreated }

type LoanApproved struct {
	ApprovedAmount decimal.Decimal  `json:"approvedAmount" validate:"gt=0"`
	InterestRate   *decimal.Decimal `json:"interestRate,omitempty" validate:"omitempty,gte=0"`
	Conditions     []string         `json:"conditions,omitempty"`
	Remarks        string           `json:"remarks,omitempty"`
}

func (LoanApproved) EventType() EventType { return EventLoanApproved }

type LoanRejected struct {
	Reason  string `json:"reason" validate:"required"`
	Remarks string `json:"remarks,omitempty"`
}

func (LoanRejected) EventType() EventType { return EventLoanRejected }

type LoanDisbursed struct {
	DisbursementDate string `json:"disbursementDate" validate:"required,datetime=2006-01-02"`
	TransactionID    string `json:"transactionId"    validate:"required"`
	AccountNumber    string `json:"accountNumber,omitempty"`
	Mode             string `json:"mode,omitempty"`
}

func (LoanDisbursed) EventType() EventType { return EventLoanDisbursed }

type PaymentReceived struct {
	EMINumber     int    `json:"emiNumber"     validate:"gt=0"`
	PaymentDate   string `json:"paymentDate"   validate:"required,datetime=2006-01-02"`
	TransactionID string `json:"transactionId" validate:"required"`
	PaymentMode   string `json:"paymentMode,omitempty"`
}

func (PaymentReceived) EventType() EventType { return EventPaymentReceived }

type PaymentMissed struct {
	EMINumber int    `json:"emiNumber" validate:"gt=0"`
	DueDate   string `json:"dueDate"   validate:"required,datetime=2006-01-02"`
}

func (PaymentMissed) EventType() EventType { return EventPaymentMissed }

type PaymentLate struct {
	EMINumber     int              `json:"emiNumber"   validate:"gt=0"`
	DueDate       string           `json:"dueDate"     validate:"required,datetime=2006-01-02"`
	PaymentDate   string           `json:"paymentDate" validate:"required,datetime=2006-01-02"`
	DaysLate      int              `json:"daysLate"    validate:"gt=0"`
	TransactionID string           `json:"transactionId,omitempty"`
	Penalty       *decimal.Decimal `json:"penalty,omitempty" validate:"omitempty,gte=0"`
}

func (PaymentLate) EventType() EventType { return EventPaymentLate }

type LoanClosed struct {
	ClosureDate string `json:"closureDate" validate:"required,datetime=2006-01-02"`
	ClosureType string `json:"closureType" validate:"required,oneof=REGULAR FORECLOSURE SETTLEMENT"`
	Remarks     string `json:"remarks,omitempty"`
}

func (LoanClosed) EventType() EventType { return EventLoanClosed }

type LoanDefaulted struct {
	DaysPastDue       int             `json:"daysPastDue"       validate:"gt=0"`
	OutstandingAmount decimal.Decimal `json:"outstandingAmount" validate:"gt=0"`
	Remarks           string          `json:"remarks,omitempty"`
}

func (LoanDefaulted) EventType() EventType { return EventLoanDefaulted }

type CollateralAdded struct {
	CollateralID   string           `json:"collateralId"   validate:"required"`
	CollateralType string           `json:"collateralType" validate:"required"`
	Value          *decimal.Decimal `json:"value,omitempty" validate:"omitempty,gt=0"`
	Description    string           `json:"description,omitempty"`
}

func (CollateralAdded) EventType() EventType { return EventCollateralAdded }

type CollateralRemoved struct {
	CollateralID string `json:"collateralId" validate:"required"`
	Reason       string `json:"reason"       validate:"required"`
}

func (CollateralRemoved) EventType() EventType { return EventCollateralRemoved }

type StatusChanged struct {
	FromStatus string `json:"fromStatus" validate:"required"`
	ToStatus   string `json:"toStatus"   validate:"required,nefield=FromStatus"`
	Reason     string `json:"reason,omitempty"`
}

func (StatusChanged) EventType() EventType { return EventStatusChanged }

type DocumentUploaded struct {
	DocumentID   string `json:"documentId"   validate:"required"`
	DocumentType string `json:"documentType" validate:"required"`
	FileName     string `json:"fileName,omitempty"`
	Checksum     string `json:"checksum,omitempty" validate:"omitempty,hexadecimal"`
}

func (DocumentUploaded) EventType() EventType { return EventDocumentUploaded }

type DocumentVerified struct {
	DocumentID   string `json:"documentId"   validate:"required"`
	DocumentType string `json:"documentType" validate:"required"`
	Result       string `json:"result"       validate:"required,oneof=VERIFIED REJECTED NEEDS_REVIEW"`
	Confidence   *int   `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=100"`
	Remarks      string `json:"remarks,omitempty"`
}

func (DocumentVerified) EventType() EventType { return EventDocumentVerified }

type CreditCheckCompleted struct {
	Bureau   string `json:"bureau"   validate:"required"`
	Score    int    `json:"score"    validate:"gte=300,lte=900"`
	ReportID string `json:"reportId" validate:"required"`
}

func (CreditCheckCompleted) EventType() EventType { return EventCreditCheckCompleted }

type InterestRateChanged struct {
	OldRate       decimal.Decimal `json:"oldRate"       validate:"gte=0"`
	NewRate       decimal.Decimal `json:"newRate"       validate:"gte=0"`
	EffectiveDate string          `json:"effectiveDate" validate:"required,datetime=2006-01-02"`
	Reason        string          `json:"reason,omitempty"`
}

func (InterestRateChanged) EventType() EventType { return EventInterestRateChanged }

type TenureModified struct {
	OldTenureMonths int    `json:"oldTenureMonths" validate:"gt=0"`
	NewTenureMonths int    `json:"newTenureMonths" validate:"gt=0,nefield=OldTenureMonths"`
	Reason          string `json:"reason,omitempty"`
}

func (TenureModified) EventType() EventType { return EventTenureModified }

type LoanRestructured struct {
	Reason          string           `json:"reason" validate:"required"`
	NewPrincipal    *decimal.Decimal `json:"newPrincipal,omitempty"    validate:"omitempty,gt=0"`
	NewInterestRate *decimal.Decimal `json:"newInterestRate,omitempty" validate:"omitempty,gte=0"`
	NewTenureMonths int              `json:"newTenureMonths,omitempty" validate:"omitempty,gt=0"`
	EffectiveDate   string           `json:"effectiveDate,omitempty"   validate:"omitempty,datetime=2006-01-02"`
}

func (LoanRestructured) EventType() EventType { return EventLoanRestructured }

type WriteOff struct {
	Reason     string `json:"reason"     validate:"required"`
	ApprovedBy string `json:"approvedBy" validate:"required"`
}

func (WriteOff) EventType() EventType { return EventWriteOff }

type Recovery struct {
	RecoveryMode string `json:"recoveryMode" validate:"required"`
	Reference    string `json:"reference,omitempty"`
	Remarks      string `json:"remarks,omitempty"`
}

func (Recovery) EventType() EventType { return EventRecovery }
