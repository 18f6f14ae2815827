package db

import (
	"context"
	"errors"
	"time"

	"github.com/dkovacs/mailfeed/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the package-level queries behind one value so the sync
// orchestrator and thread resolver can be tested with in-memory fakes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListActiveAccounts(ctx, s.pool)
}

func (s *Store) UpdateAccountSyncState(ctx context.Context, accountID string, syncedAt time.Time, syncError string) error {
	return UpdateAccountSyncState(ctx, s.pool, accountID, syncedAt, syncError)
}

func (s *Store) ExistsByMessageID(ctx context.Context, accountID, messageIDHeader string) (bool, error) {
	return ExistsByMessageID(ctx, s.pool, accountID, messageIDHeader)
}

func (s *Store) InsertMessage(ctx context.Context, message *models.Message) (bool, error) {
	return InsertMessage(ctx, s.pool, message)
}

func (s *Store) SaveAttachment(ctx context.Context, attachment *models.Attachment) error {
	return SaveAttachment(ctx, s.pool, attachment)
}

// FindMessageThread maps "not found" to an empty id: for the resolver a miss
// is an expected outcome, not an error.
func (s *Store) FindMessageThread(ctx context.Context, accountID, messageIDHeader string) (string, error) {
	threadID, err := FindMessageThread(ctx, s.pool, accountID, messageIDHeader)
	if errors.Is(err, ErrMessageNotFound) {
		return "", nil
	}
	return threadID, err
}

func (s *Store) FindThreadBySubjectWithin(ctx context.Context, accountID, normalizedSubject string, at time.Time, windowDays int) (string, error) {
	return FindThreadBySubjectWithin(ctx, s.pool, accountID, normalizedSubject, at, windowDays)
}

func (s *Store) CreateThread(ctx context.Context, accountID, subject, normalizedSubject string, lastActivityAt time.Time) (string, error) {
	return CreateThread(ctx, s.pool, accountID, subject, normalizedSubject, lastActivityAt)
}

func (s *Store) RecomputeThreadMetadata(ctx context.Context, threadID string) error {
	return RecomputeThreadMetadata(ctx, s.pool, threadID)
}
