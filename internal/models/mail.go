package models

import "time"

// Account holds the connection settings for one remote mailbox.
// The IMAP password is stored encrypted (see internal/crypto) and is only
// decrypted for the duration of a poll.
type Account struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	IMAPHost          string     `json:"imap_host"`
	IMAPPort          int        `json:"imap_port"`
	IMAPUsername      string     `json:"imap_username"`
	EncryptedPassword []byte     `json:"-"`
	UseTLS            bool       `json:"use_tls"`
	Active            bool       `json:"active"`
	LastSyncedAt      *time.Time `json:"last_synced_at"`
	LastSyncError     string     `json:"last_sync_error"`
}

// Thread groups related messages into one conversation.
// MessageCount and LastActivityAt are derived from the persisted messages and
// are recomputed after every insertion, move, split or merge.
type Thread struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Subject        string    `json:"subject"`
	MessageCount   int       `json:"message_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Labels         []string  `json:"labels,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
}

// Message is the durable record for one imported mail message.
// MessageIDHeader is the protocol-level unique id and the deduplication key:
// the database enforces uniqueness per account.
type Message struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id"`
	ThreadID        string       `json:"thread_id"`
	FolderName      string       `json:"folder_name"`
	MessageIDHeader string       `json:"message_id_header"`
	InReplyTo       string       `json:"in_reply_to,omitempty"`
	References      []string     `json:"references,omitempty"`
	Subject         string       `json:"subject"`
	FromAddress     string       `json:"from_address"`
	ToAddresses     []string     `json:"to_addresses"`
	CCAddresses     []string     `json:"cc_addresses"`
	SentAt          time.Time    `json:"sent_at"`
	BodyText        string       `json:"body_text"`
	UnsafeBodyHTML  string       `json:"unsafe_body_html"`
	IsRead          bool         `json:"is_read"`
	IsIncoming      bool         `json:"is_incoming"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// Attachment is the stored metadata of one message attachment. Content bytes
// stay on the mail server; only the descriptors are persisted.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// SyncError identifies one failure during a poll without aborting it.
type SyncError struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
}

// SyncSummary is the outcome of one polling pass across accounts. It is
// returned to the sync-trigger boundary as a whole; partial failures are
// embedded rather than failing the pass.
type SyncSummary struct {
	AccountsProcessed int         `json:"accounts_processed"`
	MessagesFetched   int         `json:"messages_fetched"`
	MessagesImported  int         `json:"messages_imported"`
	Failed            int         `json:"failed"`
	Errors            []SyncError `json:"errors"`
	DurationMs        int64       `json:"duration_ms"`
}
