package sync

import (
	"context"
	"time"

	imapcli "github.com/dkovacs/mailfeed/internal/imap"
	"github.com/dkovacs/mailfeed/internal/models"
)

// MailSession is the session-client surface the orchestrator drives. One
// session belongs to one account poll and is used strictly sequentially.
// imapcli.Session is the production implementation; tests substitute fakes.
type MailSession interface {
	Connect() error
	SelectFolder(name string) error

	// SearchWithoutKeyword returns UIDs of messages not carrying the marker
	// keyword. An error means the server rejected the query, which is
	// distinguishable from an empty result.
	SearchWithoutKeyword(keyword string) ([]uint32, error)

	// ListRecent returns up to limit handles, newest first.
	ListRecent(limit int, unreadOnly bool) ([]*imapcli.Handle, error)

	// Handles resolves UIDs into handles carrying their current keyword sets.
	Handles(uids []uint32) ([]*imapcli.Handle, error)

	// FetchMessage fetches and decodes one message.
	FetchMessage(uid uint32) (*imapcli.ParsedMessage, error)

	// SetKeyword is best effort: false means "could not mark, retry later",
	// never a fatal condition.
	SetKeyword(uid uint32, keyword string) bool

	// Disconnect is idempotent and safe on a never-opened session.
	Disconnect()
}

// Store is the durable-store surface of the sync protocol. It is the single
// source of truth for "has this message been imported".
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	UpdateAccountSyncState(ctx context.Context, accountID string, syncedAt time.Time, syncError string) error

	ExistsByMessageID(ctx context.Context, accountID, messageIDHeader string) (bool, error)
	// InsertMessage returns false without error when the unique id already
	// exists: a racing writer lost cleanly.
	InsertMessage(ctx context.Context, message *models.Message) (bool, error)
	SaveAttachment(ctx context.Context, attachment *models.Attachment) error
	RecomputeThreadMetadata(ctx context.Context, threadID string) error
}

// Resolver assigns a parsed message to a conversation.
type Resolver interface {
	Resolve(ctx context.Context, accountID string, msg *imapcli.ParsedMessage) (string, error)
}

// SessionFactory creates a session for one account with its decrypted
// password. Injected so orchestrator tests can run without a server.
type SessionFactory func(account *models.Account, password string) MailSession

// NewIMAPSession is the production SessionFactory.
func NewIMAPSession(account *models.Account, password string) MailSession {
	return imapcli.NewSession(account.IMAPHost, account.IMAPPort, account.IMAPUsername, password, account.UseTLS)
}

// Ensure the production session satisfies the orchestrator contract.
var _ MailSession = (*imapcli.Session)(nil)
