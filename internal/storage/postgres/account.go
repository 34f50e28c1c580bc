package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// MaxUsernameLength bounds account usernames.
const MaxUsernameLength = 32

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

// Account represents a player account in the database.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

var (
	// ErrAccountNotFound is returned when an account lookup yields no results.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidCredentials is returned when the password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidUsername is returned for empty or oversized usernames.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidPassword is returned for empty or oversized passwords.
	ErrInvalidPassword = errors.New("invalid password")
)

// AccountRepository provides account persistence operations.
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// ValidateCredentials checks username and password shape before any database work.
func ValidateCredentials(username, password string) error {
	name := strings.TrimSpace(username)
	if name == "" || len(name) > MaxUsernameLength || name != username {
		return fmt.Errorf("%w: must be 1-%d characters without surrounding spaces", ErrInvalidUsername, MaxUsernameLength)
	}
	if password == "" || len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: must be 1-%d bytes", ErrInvalidPassword, maxPasswordBytes)
	}
	return nil
}

// LoginOrRegister authenticates username, creating the account on first use.
//
// Precondition: username and password must pass ValidateCredentials.
// Postcondition: Returns the account and created=true when it was just
// registered, or ErrInvalidCredentials when an existing account's password differs.
func (r *AccountRepository) LoginOrRegister(ctx context.Context, username, password string) (acct Account, created bool, err error) {
	if err := ValidateCredentials(username, password); err != nil {
		return Account{}, false, err
	}

	acct, err = r.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		acct, err = r.create(ctx, username, password)
		if err == nil {
			return acct, true, nil
		}
		if !isDuplicateKeyError(err) {
			return Account{}, false, err
		}
		// Lost a registration race; authenticate against the winner.
		acct, err = r.GetByUsername(ctx, username)
		if err != nil {
			return Account{}, false, err
		}
	case err != nil:
		return Account{}, false, err
	}

	if !CheckPassword(password, acct.PasswordHash) {
		return Account{}, false, ErrInvalidCredentials
	}
	if err := r.touchLogin(ctx, &acct); err != nil {
		return Account{}, false, err
	}
	return acct, false, nil
}

func (r *AccountRepository) create(ctx context.Context, username, password string) (Account, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("hashing password: %w", err)
	}

	var acct Account
	err = r.db.QueryRow(ctx,
		`INSERT INTO accounts (username, password_hash, last_login_at)
		 VALUES ($1, $2, now())
		 RETURNING id, username, password_hash, created_at, last_login_at`,
		username, hash,
	).Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt, &acct.LastLoginAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

func (r *AccountRepository) touchLogin(ctx context.Context, acct *Account) error {
	err := r.db.QueryRow(ctx,
		`UPDATE accounts SET last_login_at = now() WHERE id = $1 RETURNING last_login_at`,
		acct.ID,
	).Scan(&acct.LastLoginAt)
	if err != nil {
		return fmt.Errorf("recording login: %w", err)
	}
	return nil
}

// GetByUsername retrieves an account by username.
//
// Precondition: username must be non-empty.
// Postcondition: Returns the Account or ErrAccountNotFound.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (Account, error) {
	var (
		acct      Account
		lastLogin *time.Time
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at, last_login_at
		 FROM accounts WHERE username = $1`,
		username,
	).Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("querying account: %w", err)
	}
	if lastLogin != nil {
		acct.LastLoginAt = *lastLogin
	}
	return acct, nil
}

// HashPassword creates a bcrypt hash of the given password.
//
// Precondition: password must be non-empty.
// Postcondition: Returns a bcrypt hash string.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
//
// Postcondition: Returns true if password matches the hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
