package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/ports"
)

// UserStore implements ports.UserStore using SQLite.
type UserStore struct {
	q querier
}

// NewUserStore creates a user store over db.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{q: db}
}

const userColumns = `id, email, name, password_hash, billing_mode, tier, tags,
	unl_active, unl_daily_quota, unl_quota_used, unl_reset_at, unl_expires_at,
	created_at, updated_at`

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (account.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetByEmail retrieves a user by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (account.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// Create stores a new user.
func (s *UserStore) Create(ctx context.Context, u account.User) error {
	tags, err := marshalTags(u.Tags)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.BillingMode, u.Tier, tags,
		u.Allowance.Active, u.Allowance.DailyQuota, u.Allowance.QuotaUsed,
		nullTime(u.Allowance.QuotaResetAt), nullTime(u.Allowance.ExpiresAt),
		u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	return mapErr(err)
}

// Update modifies an existing user.
func (s *UserStore) Update(ctx context.Context, u account.User) error {
	tags, err := marshalTags(u.Tags)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET email = ?, name = ?, password_hash = ?, billing_mode = ?, tier = ?, tags = ?,
		    unl_active = ?, unl_daily_quota = ?, unl_quota_used = ?, unl_reset_at = ?, unl_expires_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, u.Email, u.Name, u.PasswordHash, u.BillingMode, u.Tier, tags,
		u.Allowance.Active, u.Allowance.DailyQuota, u.Allowance.QuotaUsed,
		nullTime(u.Allowance.QuotaResetAt), nullTime(u.Allowance.ExpiresAt),
		u.UpdatedAt.UTC(), u.ID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// List returns users with pagination.
func (s *UserStore) List(ctx context.Context, limit, offset int) ([]account.User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY created_at LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var users []account.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Count returns total user count.
func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, mapErr(err)
}

func scanUser(r rowScanner) (account.User, error) {
	var u account.User
	var tags string
	var hash []byte
	var resetAt, expiresAt sql.NullTime
	var a allowance.Allowance
	var tier string

	err := r.Scan(&u.ID, &u.Email, &u.Name, &hash, &u.BillingMode, &tier, &tags,
		&a.Active, &a.DailyQuota, &a.QuotaUsed, &resetAt, &expiresAt,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return account.User{}, ports.ErrNotFound
	}
	if err != nil {
		return account.User{}, mapErr(err)
	}

	u.PasswordHash = hash
	u.Tier = entitlement.Tier(tier)
	if resetAt.Valid {
		a.QuotaResetAt = resetAt.Time
	}
	if expiresAt.Valid {
		a.ExpiresAt = expiresAt.Time
	}
	u.Allowance = a

	var list []account.Tag
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &list); err != nil {
			return account.User{}, err
		}
	}
	u.Tags = account.NewTagSet(list...)
	return u, nil
}

func marshalTags(s account.TagSet) (string, error) {
	list := s.List()
	if list == nil {
		list = []account.Tag{}
	}
	b, err := json.Marshal(list)
	return string(b), err
}

// Ensure interface compliance.
var _ ports.UserStore = (*UserStore)(nil)
