package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkovacs/mailfeed/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// ExistsByMessageID reports whether a message with the given protocol unique
// id has already been imported for the account. This is the authoritative
// dedup check: the mailbox-side marker is only a hint.
func ExistsByMessageID(ctx context.Context, pool *pgxpool.Pool, accountID, messageIDHeader string) (bool, error) {
	var exists bool

	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages WHERE account_id = $1 AND message_id_header = $2
		)
	`, accountID, messageIDHeader).Scan(&exists)

	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}

	return exists, nil
}

// InsertMessage inserts a new message record. The unique constraint on
// (account_id, message_id_header) makes this an atomic insert-if-absent:
// a concurrent duplicate import loses cleanly and inserted is false.
func InsertMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) (bool, error) {
	// The array columns are NOT NULL; nil slices would encode as SQL NULL.
	references := message.References
	if references == nil {
		references = []string{}
	}
	toAddresses := message.ToAddresses
	if toAddresses == nil {
		toAddresses = []string{}
	}
	ccAddresses := message.CCAddresses
	if ccAddresses == nil {
		ccAddresses = []string{}
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO messages (
			account_id,
			thread_id,
			folder_name,
			message_id_header,
			in_reply_to,
			references_ids,
			subject,
			from_address,
			to_addresses,
			cc_addresses,
			sent_at,
			body_text,
			unsafe_body_html,
			is_read,
			is_incoming
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account_id, message_id_header) DO NOTHING
		RETURNING id
	`,
		message.AccountID,
		message.ThreadID,
		message.FolderName,
		message.MessageIDHeader,
		message.InReplyTo,
		references,
		message.Subject,
		message.FromAddress,
		toAddresses,
		ccAddresses,
		message.SentAt,
		message.BodyText,
		message.UnsafeBodyHTML,
		message.IsRead,
		message.IsIncoming,
	).Scan(&message.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: another writer imported this unique id first.
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	return true, nil
}

// FindMessageThread returns the thread id of the stored message with the
// given protocol unique id, for In-Reply-To/References chaining.
func FindMessageThread(ctx context.Context, pool *pgxpool.Pool, accountID, messageIDHeader string) (string, error) {
	var threadID string

	err := pool.QueryRow(ctx, `
		SELECT thread_id FROM messages
		WHERE account_id = $1 AND message_id_header = $2
	`, accountID, messageIDHeader).Scan(&threadID)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMessageNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to find message thread: %w", err)
	}

	return threadID, nil
}

// GetMessagesForThread returns all messages of a thread ordered by sent_at.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT
			id,
			account_id,
			thread_id,
			folder_name,
			message_id_header,
			in_reply_to,
			references_ids,
			subject,
			from_address,
			to_addresses,
			cc_addresses,
			sent_at,
			body_text,
			unsafe_body_html,
			is_read,
			is_incoming
		FROM messages
		WHERE thread_id = $1
		ORDER BY sent_at
	`, threadID)

	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.AccountID,
			&msg.ThreadID,
			&msg.FolderName,
			&msg.MessageIDHeader,
			&msg.InReplyTo,
			&msg.References,
			&msg.Subject,
			&msg.FromAddress,
			&msg.ToAddresses,
			&msg.CCAddresses,
			&msg.SentAt,
			&msg.BodyText,
			&msg.UnsafeBodyHTML,
			&msg.IsRead,
			&msg.IsIncoming,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// MoveMessagesToThread reassigns the given messages to another thread.
// Callers must recompute the metadata of both affected threads afterwards.
func MoveMessagesToThread(ctx context.Context, pool *pgxpool.Pool, threadID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := pool.Exec(ctx, `
		UPDATE messages SET thread_id = $1 WHERE id = ANY($2)
	`, threadID, messageIDs)

	if err != nil {
		return fmt.Errorf("failed to move messages: %w", err)
	}

	return nil
}

// SaveAttachment persists attachment metadata for a stored message.
func SaveAttachment(ctx context.Context, pool *pgxpool.Pool, attachment *models.Attachment) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO attachments (message_id, filename, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, attachment.MessageID, attachment.Filename, attachment.MimeType, attachment.SizeBytes).Scan(&attachment.ID)

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}

	return nil
}

// GetAttachmentsForMessage returns all attachment metadata for a message.
func GetAttachmentsForMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) ([]*models.Attachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, message_id, filename, mime_type, size_bytes
		FROM attachments
		WHERE message_id = $1
		ORDER BY filename
	`, messageID)

	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.MessageID,
			&att.Filename,
			&att.MimeType,
			&att.SizeBytes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, &att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}
