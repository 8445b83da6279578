package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalSchema names the encoding produced by Canonicalize. Hashes are
// only comparable between entries encoded under the same schema; any change
// to the byte layout or the hash function needs a new schema name.
const CanonicalSchema = "ledger.v1"

// TimestampLayout is the canonical, fixed-width UTC timestamp layout.
// Microsecond precision matches what PostgreSQL's timestamptz retains.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Numbers are bounded before they are expanded into plain decimal form, which
// spells out every digit of the exponent.
const (
	maxNumberLiteral  = 128
	maxNumberDigits   = 40
	maxNumberExponent = 40
)

// Canonicalize returns the deterministic encoding of every hashed field of e
// (everything except ID and CurrentHash). The output is compact JSON with a
// fixed key order, nested keys sorted, null-valued keys dropped from
// eventData and numbers in normalised decimal form.
func Canonicalize(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"amount":`)
	if e.Amount != nil {
		amount, err := normaliseDecimal(*e.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		writeString(&buf, amount)
	} else {
		buf.WriteString("null")
	}

	buf.WriteString(`,"eventData":`)
	if err := writeEventData(&buf, e.EventData); err != nil {
		return nil, err
	}

	buf.WriteString(`,"eventType":`)
	writeString(&buf, string(e.EventType))
	buf.WriteString(`,"ipAddress":`)
	if e.IPAddress != "" {
		writeString(&buf, e.IPAddress)
	} else {
		buf.WriteString("null")
	}
	buf.WriteString(`,"loanId":`)
	writeString(&buf, e.LoanID)
	buf.WriteString(`,"performedBy":`)
	writeString(&buf, e.PerformedBy)
	buf.WriteString(`,"previousHash":`)
	writeString(&buf, e.PreviousHash)
	buf.WriteString(`,"schema":`)
	writeString(&buf, CanonicalSchema)
	buf.WriteString(`,"sequenceNum":`)
	buf.WriteString(strconv.FormatInt(e.SequenceNum, 10))
	buf.WriteString(`,"timestamp":`)
	writeString(&buf, e.Timestamp.UTC().Format(TimestampLayout))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses the output of Canonicalize back into an entry. ID and
// CurrentHash are not part of the encoding and are left zero.
func Decode(b []byte) (*Entry, error) {
	var c struct {
		Amount       *string         `json:"amount"`
		EventData    json.RawMessage `json:"eventData"`
		EventType    EventType       `json:"eventType"`
		IPAddress    *string         `json:"ipAddress"`
		LoanID       string          `json:"loanId"`
		PerformedBy  string          `json:"performedBy"`
		PreviousHash string          `json:"previousHash"`
		Schema       string          `json:"schema"`
		SequenceNum  int64           `json:"sequenceNum"`
		Timestamp    string          `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode canonical entry: %w", err)
	}
	if c.Schema != CanonicalSchema {
		return nil, fmt.Errorf("unsupported canonical schema %q", c.Schema)
	}

	ts, err := time.Parse(TimestampLayout, c.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	data, err := DecodeEventData(c.EventType, c.EventData)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		LoanID:       c.LoanID,
		SequenceNum:  c.SequenceNum,
		EventType:    c.EventType,
		EventData:    data,
		PerformedBy:  c.PerformedBy,
		Timestamp:    ts,
		PreviousHash: c.PreviousHash,
	}
	if c.Amount != nil {
		amt, err := decimal.NewFromString(*c.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		e.Amount = &amt
	}
	if c.IPAddress != nil {
		e.IPAddress = *c.IPAddress
	}
	return e, nil
}

// Hash returns the lowercase hex SHA-256 of Canonicalize(e).
func Hash(e *Entry) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// writeEventData encodes the variant through its JSON field schema, then
// re-emits the generic tree canonically.
func writeEventData(buf *bytes.Buffer, data EventData) error {
	if data == nil {
		buf.WriteString("{}")
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	tree, err := decodeTree(raw)
	if err != nil {
		return err
	}
	return writeValue(buf, tree)
}

// normaliseJSON rewrites arbitrary JSON into canonical form.
func normaliseJSON(raw []byte) ([]byte, error) {
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data")
	}
	return v, nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case string:
		writeString(buf, x)
	case json.Number:
		if len(x) > maxNumberLiteral {
			return fmt.Errorf("number literal longer than %d bytes", maxNumberLiteral)
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", x, err)
		}
		n, err := normaliseDecimal(d)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k, el := range x {
			if el != nil {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value of type %T", v)
	}
	return nil
}

// writeString emits s as a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

// normaliseDecimal renders d without exponent or trailing fractional zeros.
func normaliseDecimal(d decimal.Decimal) (string, error) {
	if err := checkDecimal(d); err != nil {
		return "", err
	}
	return d.String(), nil
}

// checkDecimal rejects numbers whose plain rendering would be unbounded.
func checkDecimal(d decimal.Decimal) error {
	if n := d.NumDigits(); n > maxNumberDigits {
		return fmt.Errorf("number has %d significant digits, at most %d allowed", n, maxNumberDigits)
	}
	if exp := d.Exponent(); exp > maxNumberExponent || exp < -maxNumberExponent {
		return fmt.Errorf("number exponent %d out of range [-%d, %d]", exp, maxNumberExponent, maxNumberExponent)
	}
	return nil
}
