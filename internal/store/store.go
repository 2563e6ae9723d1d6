package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account kinds.
const (
	KindFacebook     = "facebook"
	KindFacebookPage = "facebook-page"
	KindGmail        = "gmail"
	KindOutlook      = "outlook"
)

// Account is one linked external identity.
type Account struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	UID         string    `json:"uid"`
	Name        string    `json:"name"`
	Token       string    `json:"-"`
	TokenSecret string    `json:"-"`
	TokenExpiry time.Time `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAccount holds the fields of an account to create. TokenExpiry is known
// only for tokens obtained through a consent flow.
type NewAccount struct {
	Kind        string    `json:"kind" binding:"required"`
	UID         string    `json:"uid" binding:"required"`
	Name        string    `json:"name"`
	Token       string    `json:"token"`
	TokenSecret string    `json:"token_secret"`
	TokenExpiry time.Time `json:"-"`
}

// Filter selects accounts. Empty fields match everything.
type Filter struct {
	ID   string
	UID  string
	Kind string
}

// AccountStore is the persistent registry of linked accounts.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore wraps a database that already carries the accounts schema.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// CreateAccount inserts a new account. It returns nil without an error when an
// account with the same uid already exists, whatever its kind. The uniqueness
// check is the storage constraint itself, so concurrent callers cannot both win.
func (s *AccountStore) CreateAccount(ctx context.Context, fields NewAccount) (*Account, error) {
	if fields.UID == "" {
		return nil, errors.New("account uid is required")
	}
	if fields.Kind == "" {
		return nil, errors.New("account kind is required")
	}

	account := &Account{
		ID:          uuid.NewString(),
		Kind:        fields.Kind,
		UID:         fields.UID,
		Name:        fields.Name,
		Token:       fields.Token,
		TokenSecret: fields.TokenSecret,
		TokenExpiry: fields.TokenExpiry.UTC().Truncate(time.Second),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	var secret interface{}
	if account.TokenSecret != "" {
		secret = account.TokenSecret
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, uid, name, token, token_secret, token_expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO NOTHING
	`, account.ID, account.Kind, account.UID, account.Name, account.Token, secret, expiryUnix(account.TokenExpiry), account.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	return account, nil
}

// UpdateToken replaces the credentials of an account after a refresh. An
// empty secret keeps the stored one.
func (s *AccountStore) UpdateToken(ctx context.Context, id, token, secret string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET token = ?, token_secret = COALESCE(NULLIF(?, ''), token_secret), token_expiry = ?
		WHERE id = ?
	`, token, secret, expiryUnix(expiry), id)
	if err != nil {
		return fmt.Errorf("failed to update account token: %w", err)
	}
	return nil
}

// RemoveAccount deletes an account. Removing an unknown id is not an error.
func (s *AccountStore) RemoveAccount(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	return nil
}

// FindAccount returns the account matching f, or nil when there is none.
func (s *AccountStore) FindAccount(ctx context.Context, f Filter) (*Account, error) {
	accounts, err := s.find(ctx, f, 1)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// FindAccounts returns every account matching f.
func (s *AccountStore) FindAccounts(ctx context.Context, f Filter) ([]Account, error) {
	return s.find(ctx, f, 0)
}

func (s *AccountStore) find(ctx context.Context, f Filter, limit int) ([]Account, error) {
	query := "SELECT id, kind, uid, name, token, COALESCE(token_secret, ''), token_expiry, created_at FROM accounts"
	var where []string
	var args []interface{}

	if f.ID != "" {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.UID != "" {
		where = append(where, "uid = ?")
		args = append(args, f.UID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		var expiry, created int64
		if err := rows.Scan(&a.ID, &a.Kind, &a.UID, &a.Name, &a.Token, &a.TokenSecret, &expiry, &created); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if expiry > 0 {
			a.TokenExpiry = time.Unix(expiry, 0).UTC()
		}
		a.CreatedAt = time.Unix(created, 0).UTC()
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

func expiryUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
