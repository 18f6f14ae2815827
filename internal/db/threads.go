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

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// CreateThread inserts a new empty conversation seeded with the subject and
// timestamp of its first message. The message count stays zero until
// RecomputeThreadMetadata runs after the first insertion.
func CreateThread(ctx context.Context, pool *pgxpool.Pool, accountID, subject, normalizedSubject string, lastActivityAt time.Time) (string, error) {
	var threadID string

	err := pool.QueryRow(ctx, `
		INSERT INTO threads (account_id, subject, normalized_subject, message_count, last_activity_at)
		VALUES ($1, $2, $3, 0, $4)
		RETURNING id
	`, accountID, subject, normalizedSubject, lastActivityAt).Scan(&threadID)

	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}

	return threadID, nil
}

// GetThreadByID returns a thread by its database id.
func GetThreadByID(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	var thread models.Thread

	err := pool.QueryRow(ctx, `
		SELECT id, account_id, subject, message_count, last_activity_at
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID,
		&thread.AccountID,
		&thread.Subject,
		&thread.MessageCount,
		&thread.LastActivityAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	return &thread, nil
}

// FindThreadBySubjectWithin returns the id of a thread with the same
// normalized subject whose last activity lies within windowDays of the given
// timestamp, or "" when no such thread exists. When several match, the one
// with the most recent activity wins.
func FindThreadBySubjectWithin(ctx context.Context, pool *pgxpool.Pool, accountID, normalizedSubject string, at time.Time, windowDays int) (string, error) {
	var threadID string

	err := pool.QueryRow(ctx, `
		SELECT id
		FROM threads
		WHERE account_id = $1
		  AND normalized_subject = $2
		  AND last_activity_at BETWEEN $3::timestamptz - make_interval(days => $4)
		                           AND $3::timestamptz + make_interval(days => $4)
		ORDER BY last_activity_at DESC
		LIMIT 1
	`, accountID, normalizedSubject, at, windowDays).Scan(&threadID)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to find thread by subject: %w", err)
	}

	return threadID, nil
}

// RecomputeThreadMetadata rederives message_count and last_activity_at from
// the persisted messages in one atomic statement. Recomputation, not
// incrementing, keeps the derived fields correct under out-of-order arrival
// and concurrent writers.
func RecomputeThreadMetadata(ctx context.Context, pool *pgxpool.Pool, threadID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE threads SET
			message_count = (SELECT COUNT(*) FROM messages WHERE thread_id = $1),
			last_activity_at = COALESCE(
				(SELECT MAX(sent_at) FROM messages WHERE thread_id = $1),
				last_activity_at
			)
		WHERE id = $1
	`, threadID)

	if err != nil {
		return fmt.Errorf("failed to recompute thread metadata: %w", err)
	}

	return nil
}

// SplitThread moves the given messages out of their thread into a newly
// created one and recomputes both threads' derived metadata.
func SplitThread(ctx context.Context, pool *pgxpool.Pool, threadID string, messageIDs []string) (string, error) {
	if len(messageIDs) == 0 {
		return "", fmt.Errorf("no messages to split")
	}

	var accountID, subject, normalizedSubject string
	var lastActivityAt time.Time
	err := pool.QueryRow(ctx, `
		SELECT account_id, subject, normalized_subject, last_activity_at
		FROM threads
		WHERE id = $1
	`, threadID).Scan(&accountID, &subject, &normalizedSubject, &lastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get thread for split: %w", err)
	}

	newThreadID, err := CreateThread(ctx, pool, accountID, subject, normalizedSubject, lastActivityAt)
	if err != nil {
		return "", err
	}

	if err := MoveMessagesToThread(ctx, pool, newThreadID, messageIDs); err != nil {
		return "", err
	}

	if err := RecomputeThreadMetadata(ctx, pool, threadID); err != nil {
		return "", err
	}
	if err := RecomputeThreadMetadata(ctx, pool, newThreadID); err != nil {
		return "", err
	}

	return newThreadID, nil
}

// MergeThreads moves every message of the source thread into the destination
// thread, then recomputes both. The source thread is left empty rather than
// deleted; thread deletion is an explicit separate operation.
func MergeThreads(ctx context.Context, pool *pgxpool.Pool, sourceThreadID, destThreadID string) error {
	if sourceThreadID == destThreadID {
		return fmt.Errorf("cannot merge a thread into itself")
	}

	_, err := pool.Exec(ctx, `
		UPDATE messages SET thread_id = $2 WHERE thread_id = $1
	`, sourceThreadID, destThreadID)
	if err != nil {
		return fmt.Errorf("failed to merge threads: %w", err)
	}

	if err := RecomputeThreadMetadata(ctx, pool, sourceThreadID); err != nil {
		return err
	}
	return RecomputeThreadMetadata(ctx, pool, destThreadID)
}

// AddThreadLabel associates a label with a thread. Adding the same label
// twice is a no-op.
func AddThreadLabel(ctx context.Context, pool *pgxpool.Pool, threadID, label string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO thread_labels (thread_id, label)
		VALUES ($1, $2)
		ON CONFLICT (thread_id, label) DO NOTHING
	`, threadID, label)

	if err != nil {
		return fmt.Errorf("failed to add thread label: %w", err)
	}

	return nil
}

// RemoveThreadLabel removes a label association from a thread.
func RemoveThreadLabel(ctx context.Context, pool *pgxpool.Pool, threadID, label string) error {
	_, err := pool.Exec(ctx, `
		DELETE FROM thread_labels WHERE thread_id = $1 AND label = $2
	`, threadID, label)

	if err != nil {
		return fmt.Errorf("failed to remove thread label: %w", err)
	}

	return nil
}

// GetThreadLabels returns the labels associated with a thread.
func GetThreadLabels(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT label FROM thread_labels WHERE thread_id = $1 ORDER BY label
	`, threadID)

	if err != nil {
		return nil, fmt.Errorf("failed to get thread labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating labels: %w", err)
	}

	return labels, nil
}
