package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE raised when two writers race for the same
// (loan_id, sequence_num) primary key.
const pgUniqueViolation = "23505"

const entryColumns = `id, loan_id, sequence_num, event_type, event_data, amount::text,
	performed_by, ts, ip_address, previous_hash, current_hash`

// commitSQL inserts the candidate only when the chain tail still matches.
// The tail check and the primary key together make the insert a
// compare-and-swap: a concurrent writer that read the same tail either sees
// the new row and inserts nothing, or collides on the primary key.
const commitSQL = `
	INSERT INTO loan_ledger (
		id, loan_id, sequence_num, event_type, event_data, amount,
		performed_by, ts, ip_address, previous_hash, current_hash
	)
	SELECT $1::uuid, $2::text, $3::bigint, $4::text, $5::jsonb, $6::numeric,
	       $7::text, $8::timestamptz, $9::text, $10::text, $11::text
	WHERE COALESCE(
	        (SELECT current_hash FROM loan_ledger
	          WHERE loan_id = $2::text ORDER BY sequence_num DESC LIMIT 1),
	        'GENESIS') = $12::text
	  AND COALESCE(
	        (SELECT MAX(sequence_num) FROM loan_ledger WHERE loan_id = $2::text),
	        0) = $3::bigint - 1`

// PostgresStore persists chains to the loan_ledger table.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context, loanID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM loan_ledger
		 WHERE loan_id = $1 ORDER BY sequence_num DESC LIMIT 1`, loanID,
	)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger tail %s: %w", loanID, err)
	}
	return e, nil
}

// CommitIfTailMatches implements Store. The whole candidate is written by a
// single statement, so a failure never leaves a partial row behind.
func (s *PostgresStore) CommitIfTailMatches(ctx context.Context, loanID, expectedPreviousHash string, candidate *Entry) error {
	if candidate.LoanID != loanID {
		return fmt.Errorf("candidate belongs to loan %q, not %q", candidate.LoanID, loanID)
	}

	data, err := json.Marshal(candidate.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	var amount *string
	if candidate.Amount != nil {
		a := candidate.Amount.String()
		amount = &a
	}

	tag, err := s.pool.Exec(ctx, commitSQL,
		candidate.ID, loanID, candidate.SequenceNum, string(candidate.EventType),
		data, amount, candidate.PerformedBy, candidate.Timestamp,
		nullable(candidate.IPAddress), candidate.PreviousHash, candidate.CurrentHash,
		expectedPreviousHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConcurrentAppend
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentAppend
	}

	s.logger.Debug("ledger entry committed",
		zap.String("loan_id", loanID),
		zap.Int64("seq", candidate.SequenceNum),
		zap.String("event_type", string(candidate.EventType)),
	)
	return nil
}

// ReadChain implements Store. A single SELECT runs against one snapshot, so
// a concurrent append is either fully visible or not at all.
func (s *PostgresStore) ReadChain(ctx context.Context, loanID string) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM loan_ledger
		 WHERE loan_id = $1 ORDER BY sequence_num ASC`, loanID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger %s: %w", loanID, err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LoanIDs implements Store.
func (s *PostgresStore) LoanIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT loan_id FROM loan_ledger ORDER BY loan_id`)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan loan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e         Entry
		eventType string
		data      []byte
		amount    *string
		ip        *string
	)
	if err := row.Scan(
		&e.ID, &e.LoanID, &e.SequenceNum, &eventType, &data, &amount,
		&e.PerformedBy, &e.Timestamp, &ip, &e.PreviousHash, &e.CurrentHash,
	); err != nil {
		return nil, err
	}

	e.EventType = EventType(eventType)
	e.Timestamp = e.Timestamp.UTC()
	// An edited row must still reach VerifyChain, so decode failures are
	// kept on the entry rather than returned.
	e.EventData = decodeStoredEventData(e.EventType, data)

	if amount != nil {
		// NUMERIC admits NaN and ±Infinity, which have no decimal form.
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			e.Corruption = fmt.Sprintf("amount %q is not a decimal", *amount)
		} else {
			e.Amount = &d
		}
	}
	if ip != nil {
		e.IPAddress = *ip
	}
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
