package ledger

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// maxLoanIDLen bounds the loan identifier so it fits an indexed column.
const maxLoanIDLen = 128

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	v.RegisterTagNameFunc(jsonName)

	// Numeric constraints on money fields compare the decimal's value.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
	return v
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func isRaw(data EventData) bool {
	_, ok := data.(*RawEventData)
	return ok
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// checkDecimalFields bounds every decimal field of a payload variant.
func checkDecimalFields(data EventData) error {
	if isRaw(data) || isNilEventData(data) {
		return nil
	}
	v := reflect.Indirect(reflect.ValueOf(data))
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		f := v.Field(i)
		if !sf.IsExported() {
			continue
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() || f.Type().Elem() != decimalType {
				continue
			}
			f = f.Elem()
		}
		if f.Type() != decimalType {
			continue
		}
		if err := checkDecimal(f.Interface().(decimal.Decimal)); err != nil {
			return &ValidationError{Field: "eventData." + jsonName(sf), Reason: err.Error()}
		}
	}
	return nil
}

// ValidateRequest checks an append request's envelope and payload shape.
// It performs no storage access.
func ValidateRequest(req *AppendRequest) error {
	switch {
	case strings.TrimSpace(req.LoanID) == "":
		return &ValidationError{Field: "loanId", Reason: "must not be empty"}
	case len(req.LoanID) > maxLoanIDLen:
		return &ValidationError{Field: "loanId", Reason: fmt.Sprintf("must be at most %d bytes", maxLoanIDLen)}
	case !utf8.ValidString(req.LoanID):
		return &ValidationError{Field: "loanId", Reason: "must be valid UTF-8"}
	case !req.EventType.Valid():
		return &ValidationError{Field: "eventType", Reason: fmt.Sprintf("unknown event type %q", req.EventType)}
	case strings.TrimSpace(req.PerformedBy) == "":
		return &ValidationError{Field: "performedBy", Reason: "must not be empty"}
	case isNilEventData(req.EventData):
		return &ValidationError{Field: "eventData", Reason: "must be present"}
	case isRaw(req.EventData):
		return &ValidationError{Field: "eventData", Reason: "payload does not decode as " + string(req.EventType)}
	case req.EventData.EventType() != req.EventType:
		return &ValidationError{
			Field:  "eventData",
			Reason: fmt.Sprintf("payload is %s, event type is %s", req.EventData.EventType(), req.EventType),
		}
	}

	if req.IPAddress != "" {
		if _, err := netip.ParseAddr(req.IPAddress); err != nil {
			return &ValidationError{Field: "ipAddress", Reason: "not an IP address"}
		}
	}

	if req.Amount != nil {
		if err := checkDecimal(*req.Amount); err != nil {
			return &ValidationError{Field: "amount", Reason: err.Error()}
		}
	}
	// Before validate.Struct, which converts decimals to float64.
	if err := checkDecimalFields(req.EventData); err != nil {
		return err
	}

	if err := validate.Struct(req.EventData); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			reason := fmt.Sprintf("failed %q constraint", fe.Tag())
			if fe.Param() != "" {
				reason = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
			}
			return &ValidationError{Field: "eventData." + fe.Field(), Reason: reason}
		}
		return &ValidationError{Field: "eventData", Reason: err.Error()}
	}
	return nil
}
