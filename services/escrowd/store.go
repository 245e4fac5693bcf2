package escrowd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"algobounty/core/events"
)

// SQLiteStore keeps the service-side records that do not belong in the
// ledger itself: consumed payment receipts, the payout journal and the event
// log.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS payment_receipts (
            reference TEXT PRIMARY KEY,
            bounty_key TEXT NOT NULL,
            sender TEXT NOT NULL,
            amount TEXT NOT NULL,
            status TEXT NOT NULL,
            applied_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS payouts (
            reference TEXT PRIMARY KEY,
            bounty_key TEXT NOT NULL,
            recipient TEXT NOT NULL,
            amount TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            bounty_key TEXT,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_by_key ON events(bounty_key, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Receipt status values. A receipt stays reserved until the ledger commit
// that consumed it is confirmed.
const (
	ReceiptReserved = "reserved"
	ReceiptApplied  = "applied"
)

// ReceiptRecord is one consumed payment reference.
type ReceiptRecord struct {
	Reference string    `json:"reference"`
	Key       string    `json:"key"`
	Sender    string    `json:"sender"`
	Amount    uint64    `json:"amount"`
	Status    string    `json:"status"`
	AppliedAt time.Time `json:"appliedAt"`
}

// ReserveReceipt marks a payment reference as consumed. It reports false when
// the reference was already applied.
func (s *SQLiteStore) ReserveReceipt(ctx context.Context, reference, key, sender string, amount uint64) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO payment_receipts(reference, bounty_key, sender, amount, status, applied_at) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, reference, key, sender, strconv.FormatUint(amount, 10), ReceiptReserved, s.now())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseReceipt forgets a reservation whose funding was rejected so the
// payment can be applied later.
func (s *SQLiteStore) ReleaseReceipt(ctx context.Context, reference string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM payment_receipts WHERE reference = ?`, reference)
	return err
}

// ErrReceiptNotFound is returned when releasing a reference that is not
// reserved.
var ErrReceiptNotFound = errors.New("reserved receipt not found")

// ReleaseReservedReceipt drops a reservation that never reached the ledger.
// Applied receipts are left untouched.
func (s *SQLiteStore) ReleaseReservedReceipt(ctx context.Context, reference string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_receipts WHERE reference = ? AND status = ?`, reference, ReceiptReserved)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release receipt %s: %w", reference, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, reference)
	}
	return nil
}

// ConfirmReceipt records that the funding backed by reference was committed.
func (s *SQLiteStore) ConfirmReceipt(ctx context.Context, reference string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE payment_receipts SET status = ? WHERE reference = ?`, ReceiptApplied, reference)
	return err
}

// ReconcileReceipts confirms reserved receipts whose bounty_funded event made
// it into the event log and returns how many were confirmed.
func (s *SQLiteStore) ReconcileReceipts(ctx context.Context) (int64, error) {
	const stmt = `UPDATE payment_receipts SET status = ?
        WHERE status = ? AND reference IN (
            SELECT json_extract(payload, '$.reference') FROM events WHERE type = ?
        )`
	res, err := s.db.ExecContext(ctx, stmt, ReceiptApplied, ReceiptReserved, events.TypeBountyFunded)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReservedReceipts lists receipts that were reserved without a confirmed
// ledger commit, oldest first.
func (s *SQLiteStore) ReservedReceipts(ctx context.Context) ([]ReceiptRecord, error) {
	const query = `SELECT reference, bounty_key, sender, amount, status, applied_at FROM payment_receipts WHERE status = ? ORDER BY applied_at ASC, reference ASC`
	rows, err := s.db.QueryContext(ctx, query, ReceiptReserved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ReceiptRecord{}
	for rows.Next() {
		var rec ReceiptRecord
		var amount string
		if err := rows.Scan(&rec.Reference, &rec.Key, &rec.Sender, &amount, &rec.Status, &rec.AppliedAt); err != nil {
			return nil, err
		}
		if rec.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("decode receipt %s amount: %w", rec.Reference, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PayoutStatus values recorded in the payout journal.
const (
	PayoutSubmitted = "submitted"
	PayoutSettled   = "settled"
)

// ErrPayoutNotFound is returned when settling an unknown payout reference.
var ErrPayoutNotFound = errors.New("payout not found")

// PayoutRecord is one journaled outbound transfer.
type PayoutRecord struct {
	Reference string    `json:"reference"`
	Key       string    `json:"key"`
	Recipient string    `json:"recipient"`
	Amount    uint64    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *SQLiteStore) InsertPayout(ctx context.Context, payout PayoutRecord) error {
	const stmt = `INSERT INTO payouts(reference, bounty_key, recipient, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, payout.Reference, payout.Key, payout.Recipient, strconv.FormatUint(payout.Amount, 10), payout.Status, payout.CreatedAt)
	return err
}

// MarkPayoutSettled records that the external signer broadcast a payout.
func (s *SQLiteStore) MarkPayoutSettled(ctx context.Context, reference string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payouts SET status = ? WHERE reference = ?`, PayoutSettled, reference)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle payout %s: %w", reference, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrPayoutNotFound, reference)
	}
	return nil
}

// ListPayouts returns journaled payouts filtered by status, oldest first. An
// empty status returns every payout.
func (s *SQLiteStore) ListPayouts(ctx context.Context, status string) ([]PayoutRecord, error) {
	query := `SELECT reference, bounty_key, recipient, amount, status, created_at FROM payouts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, reference ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PayoutRecord
	for rows.Next() {
		var rec PayoutRecord
		var amount string
		if err := rows.Scan(&rec.Reference, &rec.Key, &rec.Recipient, &amount, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		parsed, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode payout %s amount: %w", rec.Reference, err)
		}
		rec.Amount = parsed
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StoredEvent is an event log row.
type StoredEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// AppendEvent stores an event and returns its sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, eventType string, attrs map[string]string) (int64, error) {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	const stmt = `INSERT INTO events(type, bounty_key, payload, created_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, eventType, attrs["key"], string(payload), s.now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListEvents returns up to limit events with a sequence greater than after.
// A non-empty key restricts the result to that bounty.
func (s *SQLiteStore) ListEvents(ctx context.Context, after int64, limit int, key string) ([]StoredEvent, error) {
	query := `SELECT sequence, type, payload, created_at FROM events WHERE sequence > ?`
	args := []any{after}
	if key != "" {
		query += ` AND bounty_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []StoredEvent{}
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", evt.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
