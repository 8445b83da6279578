package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrConflict is returned by Append when the server gave up on a
	// contended chain. Nothing was written.
	ErrConflict = errors.New("ledger append conflict")

	// ErrNotFound is returned when a single entry does not exist.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrInvalid is returned when the server rejected a request as malformed.
	ErrInvalid = errors.New("invalid ledger request")
)

// APIError is a non-2xx response from the ledger service.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("ledger API %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("ledger API %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalid:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// AppendRequest is the payload for Append.
type AppendRequest struct {
	EventType   string           `json:"eventType"`
	EventData   any              `json:"eventData"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	PerformedBy string           `json:"performedBy"`
	IPAddress   string           `json:"ipAddress,omitempty"`
}

// Entry is a committed ledger entry. EventData is left undecoded; its shape
// depends on EventType.
type Entry struct {
	ID           string           `json:"id"`
	LoanID       string           `json:"loanId"`
	SequenceNum  int64            `json:"sequenceNum"`
	EventType    string           `json:"eventType"`
	EventData    json.RawMessage  `json:"eventData"`
	Amount       *decimal.Decimal `json:"amount"`
	PerformedBy  string           `json:"performedBy"`
	Timestamp    time.Time        `json:"timestamp"`
	IPAddress    string           `json:"ipAddress,omitempty"`
	PreviousHash string           `json:"previousHash"`
	CurrentHash  string           `json:"currentHash"`
}

// VerificationResult is the outcome of a server-side chain verification.
type VerificationResult struct {
	LoanID         string   `json:"loanId"`
	IsValid        bool     `json:"isValid"`
	TotalEntries   int      `json:"totalEntries"`
	InvalidEntries []int64  `json:"invalidEntries"`
	BrokenChain    bool     `json:"brokenChain"`
	Errors         []string `json:"errors"`
}

// Head is a chain's length and tail hash.
type Head struct {
	LoanID  string `json:"loanId"`
	Entries int64  `json:"entries"`
	Head    string `json:"head"`
}

// Client talks to one ledger service.
type Client struct {
	base       string
	httpClient *http.Client
	userAgent  string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// New creates a Client for the service at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "loanledger-go",
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append records one event on the loan's chain.
func (c *Client) Append(ctx context.Context, loanID string, req AppendRequest) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodPost, c.ledgerPath(loanID, ""), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Read returns the loan's full chain in sequence order.
func (c *Client) Read(ctx context.Context, loanID string) ([]Entry, error) {
	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, c.ledgerPath(loanID, ""), nil, &out); err != nil {
		return nil, err
	}
	if out.Entries == nil {
		out.Entries = []Entry{}
	}
	return out.Entries, nil
}

// Entry returns the entry at seq.
func (c *Client) Entry(ctx context.Context, loanID string, seq int64) (*Entry, error) {
	var out Entry
	path := c.ledgerPath(loanID, "/entries/"+strconv.FormatInt(seq, 10))
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the service to recompute the loan's chain.
func (c *Client) Verify(ctx context.Context, loanID string) (*VerificationResult, error) {
	var out VerificationResult
	if err := c.call(ctx, http.MethodGet, c.ledgerPath(loanID, "/verify"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Head returns the chain length and tail hash.
func (c *Client) Head(ctx context.Context, loanID string) (*Head, error) {
	var out Head
	if err := c.call(ctx, http.MethodGet, c.ledgerPath(loanID, "/head"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ledgerPath(loanID, suffix string) string {
	return c.base + "/api/v1/loans/" + url.PathEscape(loanID) + "/ledger" + suffix
}

func (c *Client) call(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Field = e.Error, e.Field
		}
		return nil, apiErr
	}
	return body, nil
}
