package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/ports"
)

// LedgerStore implements ports.LedgerStore using SQLite.
// The ledger is append-only; UPDATE and DELETE are never issued.
type LedgerStore struct {
	q querier
}

// NewLedgerStore creates a ledger store over db.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{q: db}
}

const entryColumns = `id, user_id, amount, balance, type, description, reference_id, reference_type, created_at`

// Latest returns the most recent entry for a user, or a zero entry when the
// ledger is empty. The zero entry carries balance 0, which is the balance of
// a user who has never transacted.
func (s *LedgerStore) Latest(ctx context.Context, userID string) (credit.Entry, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM credits
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, userID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return credit.Entry{UserID: userID}, nil
	}
	if err != nil {
		return credit.Entry{}, mapErr(err)
	}
	return e, nil
}

// Append stores a new entry.
func (s *LedgerStore) Append(ctx context.Context, e credit.Entry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO credits (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Amount, e.Balance, e.Type, e.Description,
		nullStr(e.ReferenceID), nullStr(string(e.ReferenceType)), e.CreatedAt.UTC())
	return mapErr(err)
}

// List returns entries newest-first with pagination.
func (s *LedgerStore) List(ctx context.Context, userID string, limit, offset int) ([]credit.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM credits
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var entries []credit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries for a user.
func (s *LedgerStore) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM credits WHERE user_id = ?`, userID).Scan(&n)
	return n, mapErr(err)
}

// FindByReference returns an existing entry of the given type for
// referenceID created at or after since, if one exists.
func (s *LedgerStore) FindByReference(ctx context.Context, userID, referenceID string, typ credit.EntryType, since time.Time) (credit.Entry, bool, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM credits
		WHERE user_id = ? AND reference_id = ? AND type = ? AND created_at >= ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, userID, referenceID, typ, since.UTC())

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return credit.Entry{}, false, nil
	}
	if err != nil {
		return credit.Entry{}, false, mapErr(err)
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (credit.Entry, error) {
	var e credit.Entry
	var refID, refType sql.NullString
	err := r.Scan(&e.ID, &e.UserID, &e.Amount, &e.Balance, &e.Type, &e.Description, &refID, &refType, &e.CreatedAt)
	if err != nil {
		return credit.Entry{}, err
	}
	if refID.Valid {
		e.ReferenceID = refID.String
	}
	if refType.Valid {
		e.ReferenceType = credit.ReferenceType(refType.String)
	}
	return e, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
