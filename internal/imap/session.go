package imap

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Contract violations and expected failure modes of a session. Server
// diagnostics are attached via wrapping, never swallowed.
var (
	// ErrNotConnected is returned when an operation requires an open session.
	ErrNotConnected = errors.New("session is not connected")
	// ErrNoFolderSelected is returned when a message operation is attempted
	// before SelectFolder.
	ErrNoFolderSelected = errors.New("no folder selected")
	// ErrFolderNotFound is returned when the server rejects a folder selection.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrMessageNotFound is returned when a fetch targets a vanished message.
	ErrMessageNotFound = errors.New("message not found")
)

// ConnectionError wraps dial/login failures so callers can distinguish
// "could not reach the server" from in-session errors. Retry policy lives in
// the orchestrator, which owns per-account backoff state.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Handle is an opaque reference to one message on the server, valid only for
// the lifetime of the current folder selection. It is never persisted.
type Handle struct {
	SeqNum uint32
	UID    uint32
	// Keywords holds the custom keywords present on the message at
	// enumeration time. Used to detect lost sync markers.
	Keywords []string
}

// HasKeyword reports whether the handle carried the given keyword when it was
// enumerated.
func (h *Handle) HasKeyword(keyword string) bool {
	for _, kw := range h.Keywords {
		if kw == keyword {
			return true
		}
	}
	return false
}

// Session is a stateful connection to one mailbox account. It is not safe for
// concurrent use: the orchestrator drives each session strictly sequentially.
type Session struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool

	client  *client.Client
	mailbox *imap.MailboxStatus
	folder  string
}

// NewSession creates an unconnected session for the given account settings.
func NewSession(host string, port int, username, password string, useTLS bool) *Session {
	return &Session{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
	}
}

// Connect dials the server with a 5-second timeout and authenticates.
// Failures are wrapped in ConnectionError; the caller decides whether and
// when to retry.
func (s *Session) Connect() error {
	if s.client != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	address := fmt.Sprintf("%s:%d", s.host, s.port)

	var c *client.Client
	var err error
	if s.useTLS {
		c, err = client.DialWithDialerTLS(dialer, address, nil)
	} else {
		c, err = client.DialWithDialer(dialer, address)
	}
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("failed to dial %s: %w", address, err)}
	}

	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		return &ConnectionError{Err: fmt.Errorf("failed to authenticate: %w", err)}
	}

	s.client = c
	return nil
}

// SelectFolder switches the active mailbox context. Required before any
// enumeration, search, fetch, or keyword operation.
func (s *Session) SelectFolder(name string) error {
	if s.client == nil {
		return ErrNotConnected
	}

	mbox, err := s.client.Select(name, false)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrFolderNotFound, name, err)
	}

	s.mailbox = mbox
	s.folder = name
	return nil
}

// SelectedFolder returns the currently selected folder name, or "" if none.
func (s *Session) SelectedFolder() string {
	return s.folder
}

// SearchWithoutKeyword returns the UIDs of messages in the selected folder
// that do not carry the given keyword. An empty result is not an error; a
// server that rejects the query returns one.
func (s *Session) SearchWithoutKeyword(keyword string) ([]uint32, error) {
	if err := s.requireFolder(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{keyword}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	return uids, nil
}

// ListRecent returns up to limit handles for the most recent messages in the
// selected folder, newest first. With unreadOnly, only messages without the
// \Seen flag are considered.
func (s *Session) ListRecent(limit int, unreadOnly bool) ([]*Handle, error) {
	if err := s.requireFolder(); err != nil {
		return nil, err
	}

	if limit <= 0 || s.mailbox.Messages == 0 {
		return []*Handle{}, nil
	}

	var uids []uint32
	if unreadOnly {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}
		found, err := s.client.UidSearch(criteria)
		if err != nil {
			return nil, fmt.Errorf("unread search failed: %w", err)
		}
		uids = found
	} else {
		criteria := imap.NewSearchCriteria()
		seqRange := new(imap.SeqSet)
		from := uint32(1)
		if s.mailbox.Messages > uint32(limit) {
			from = s.mailbox.Messages - uint32(limit) + 1
		}
		seqRange.AddRange(from, s.mailbox.Messages)
		criteria.SeqNum = seqRange
		found, err := s.client.UidSearch(criteria)
		if err != nil {
			return nil, fmt.Errorf("recent search failed: %w", err)
		}
		uids = found
	}

	// Higher UID means more recent within a folder.
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}

	if len(uids) == 0 {
		return []*Handle{}, nil
	}

	return s.fetchHandles(uids)
}

// Handles resolves the given UIDs into handles with their current keyword
// sets, newest first.
func (s *Session) Handles(uids []uint32) ([]*Handle, error) {
	if err := s.requireFolder(); err != nil {
		return nil, err
	}

	if len(uids) == 0 {
		return []*Handle{}, nil
	}

	return s.fetchHandles(uids)
}

func (s *Session) fetchHandles(uids []uint32) ([]*Handle, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var handles []*Handle
	for msg := range messages {
		handles = append(handles, &Handle{
			SeqNum:   msg.SeqNum,
			UID:      msg.Uid,
			Keywords: customKeywords(msg.Flags),
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch handles: %w", err)
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].UID > handles[j].UID })
	return handles, nil
}

// Fetch retrieves the full message (envelope, flags, raw body section) for
// the given UID.
func (s *Session) Fetch(uid uint32) (*imap.Message, error) {
	if err := s.requireFolder(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	err := <-done
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: uid %d", ErrMessageNotFound, uid)
	}

	return msg, nil
}

// FetchMessage fetches and decodes one message. This is the path the sync
// orchestrator uses: one network round trip, then pure local parsing.
func (s *Session) FetchMessage(uid uint32) (*ParsedMessage, error) {
	msg, err := s.Fetch(uid)
	if err != nil {
		return nil, err
	}
	return Parse(msg)
}

// SetKeyword adds a custom keyword to a message. Best effort: servers that do
// not support custom keywords yield false, never an error. A false return
// means "could not mark, retry on a later poll".
func (s *Session) SetKeyword(uid uint32, keyword string) bool {
	return s.storeKeyword(uid, keyword, imap.AddFlags)
}

// ClearKeyword removes a custom keyword from a message. Same best-effort
// semantics as SetKeyword.
func (s *Session) ClearKeyword(uid uint32, keyword string) bool {
	return s.storeKeyword(uid, keyword, imap.RemoveFlags)
}

func (s *Session) storeKeyword(uid uint32, keyword string, op imap.FlagsOp) bool {
	if s.requireFolder() != nil {
		return false
	}

	if !s.supportsCustomKeywords() {
		return false
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(op, true)
	flags := []interface{}{keyword}

	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return false
	}
	return true
}

// supportsCustomKeywords checks the selected mailbox's PERMANENTFLAGS for the
// \* marker that advertises arbitrary keywords.
func (s *Session) supportsCustomKeywords() bool {
	if s.mailbox == nil {
		return false
	}
	for _, flag := range s.mailbox.PermanentFlags {
		if flag == `\*` {
			return true
		}
	}
	return false
}

// Disconnect logs out and drops the connection. Idempotent: safe on a closed
// or never-opened session.
func (s *Session) Disconnect() {
	if s.client == nil {
		return
	}

	if err := s.client.Logout(); err != nil {
		// The server may already have dropped the connection.
		_ = s.client.Close()
	}

	s.client = nil
	s.mailbox = nil
	s.folder = ""
}

func (s *Session) requireFolder() error {
	if s.client == nil {
		return ErrNotConnected
	}
	if s.folder == "" {
		return ErrNoFolderSelected
	}
	return nil
}

// customKeywords filters system flags (leading backslash) out of a flag set.
func customKeywords(flags []string) []string {
	var keywords []string
	for _, flag := range flags {
		if len(flag) > 0 && flag[0] != '\\' {
			keywords = append(keywords, flag)
		}
	}
	return keywords
}
