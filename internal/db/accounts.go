package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkovacs/mailfeed/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// CreateAccount inserts a new mailbox account and sets its id.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (email, imap_host, imap_port, imap_username, encrypted_password, use_tls, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		account.Email,
		account.IMAPHost,
		account.IMAPPort,
		account.IMAPUsername,
		account.EncryptedPassword,
		account.UseTLS,
		account.Active,
	).Scan(&account.ID)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccountByID returns one account by its database id.
func GetAccountByID(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	var account models.Account

	err := pool.QueryRow(ctx, `
		SELECT id, email, imap_host, imap_port, imap_username, encrypted_password, use_tls, active, last_synced_at, last_sync_error
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(
		&account.ID,
		&account.Email,
		&account.IMAPHost,
		&account.IMAPPort,
		&account.IMAPUsername,
		&account.EncryptedPassword,
		&account.UseTLS,
		&account.Active,
		&account.LastSyncedAt,
		&account.LastSyncError,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// ListActiveAccounts returns all accounts enabled for polling.
func ListActiveAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, email, imap_host, imap_port, imap_username, encrypted_password, use_tls, active, last_synced_at, last_sync_error
		FROM accounts
		WHERE active
		ORDER BY email
	`)

	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(
			&account.ID,
			&account.Email,
			&account.IMAPHost,
			&account.IMAPPort,
			&account.IMAPUsername,
			&account.EncryptedPassword,
			&account.UseTLS,
			&account.Active,
			&account.LastSyncedAt,
			&account.LastSyncError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// UpdateAccountSyncState records when the account was last polled and the
// last error, if any. Called after every poll regardless of partial failures.
func UpdateAccountSyncState(ctx context.Context, pool *pgxpool.Pool, accountID string, syncedAt time.Time, syncError string) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts
		SET last_synced_at = $2, last_sync_error = $3
		WHERE id = $1
	`, accountID, syncedAt, syncError)

	if err != nil {
		return fmt.Errorf("failed to update account sync state: %w", err)
	}

	return nil
}
