package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkovacs/mailfeed/internal/config"
	"github.com/dkovacs/mailfeed/internal/crypto"
	imapcli "github.com/dkovacs/mailfeed/internal/imap"
	"github.com/dkovacs/mailfeed/internal/models"
	"github.com/dkovacs/mailfeed/internal/testutil"
	"github.com/dkovacs/mailfeed/internal/thread"
)

// fakeMessage is one message living on the fake server.
type fakeMessage struct {
	uid      uint32
	parsed   *imapcli.ParsedMessage
	keywords map[string]bool
}

// fakeSession implements MailSession over in-memory folders.
type fakeSession struct {
	folders map[string][]*fakeMessage

	// keywordSearchLies makes SearchWithoutKeyword always return empty, and
	// keyword mutations return false, simulating a server without custom
	// keyword support.
	keywordSearchLies bool
	searchErr         error
	connectErr        error
	fetchErrs         map[uint32]error
	markFails         bool

	connected    bool
	disconnected bool
	selected     string
}

func (f *fakeSession) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) SelectFolder(name string) error {
	if _, ok := f.folders[name]; !ok {
		return fmt.Errorf("%w: %q", imapcli.ErrFolderNotFound, name)
	}
	f.selected = name
	return nil
}

func (f *fakeSession) SearchWithoutKeyword(keyword string) ([]uint32, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.keywordSearchLies {
		return nil, nil
	}

	var uids []uint32
	for _, msg := range f.folders[f.selected] {
		if !msg.keywords[keyword] {
			uids = append(uids, msg.uid)
		}
	}
	return uids, nil
}

func (f *fakeSession) ListRecent(limit int, _ bool) ([]*imapcli.Handle, error) {
	msgs := append([]*fakeMessage(nil), f.folders[f.selected]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].uid > msgs[j].uid })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}

	handles := make([]*imapcli.Handle, 0, len(msgs))
	for _, msg := range msgs {
		handles = append(handles, f.handleFor(msg))
	}
	return handles, nil
}

func (f *fakeSession) Handles(uids []uint32) ([]*imapcli.Handle, error) {
	var handles []*imapcli.Handle
	for _, msg := range f.folders[f.selected] {
		for _, uid := range uids {
			if msg.uid == uid {
				handles = append(handles, f.handleFor(msg))
			}
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].UID > handles[j].UID })
	return handles, nil
}

func (f *fakeSession) handleFor(msg *fakeMessage) *imapcli.Handle {
	var keywords []string
	for kw, set := range msg.keywords {
		if set {
			keywords = append(keywords, kw)
		}
	}
	return &imapcli.Handle{UID: msg.uid, Keywords: keywords}
}

func (f *fakeSession) FetchMessage(uid uint32) (*imapcli.ParsedMessage, error) {
	if err, ok := f.fetchErrs[uid]; ok {
		return nil, err
	}
	for _, msg := range f.folders[f.selected] {
		if msg.uid == uid {
			return msg.parsed, nil
		}
	}
	return nil, fmt.Errorf("%w: uid %d", imapcli.ErrMessageNotFound, uid)
}

func (f *fakeSession) SetKeyword(uid uint32, keyword string) bool {
	if f.keywordSearchLies || f.markFails {
		return false
	}
	for _, msg := range f.folders[f.selected] {
		if msg.uid == uid {
			msg.keywords[keyword] = true
			return true
		}
	}
	return false
}

func (f *fakeSession) Disconnect() {
	f.disconnected = true
}

// fakeStore is an in-memory Store and thread.Store.
type fakeStore struct {
	mu       stdsync.Mutex
	accounts []*models.Account
	messages map[string]*models.Message // accountID + "\x00" + messageIDHeader
	threads  map[string]*fakeThread
	nextID   int

	insertErr   error
	syncStates  map[string]string
	lastSynced  map[string]time.Time
	attachments []*models.Attachment
}

type fakeThread struct {
	id                string
	accountID         string
	subject           string
	normalizedSubject string
	messageCount      int
	lastActivityAt    time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:   make(map[string]*models.Message),
		threads:    make(map[string]*fakeThread),
		syncStates: make(map[string]string),
		lastSynced: make(map[string]time.Time),
	}
}

func (s *fakeStore) key(accountID, messageIDHeader string) string {
	return accountID + "\x00" + messageIDHeader
}

func (s *fakeStore) ListActiveAccounts(_ context.Context) ([]*models.Account, error) {
	return s.accounts, nil
}

func (s *fakeStore) UpdateAccountSyncState(_ context.Context, accountID string, syncedAt time.Time, syncError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSynced[accountID] = syncedAt
	s.syncStates[accountID] = syncError
	return nil
}

func (s *fakeStore) ExistsByMessageID(_ context.Context, accountID, messageIDHeader string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[s.key(accountID, messageIDHeader)]
	return ok, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, message *models.Message) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(message.AccountID, message.MessageIDHeader)
	if _, ok := s.messages[key]; ok {
		return false, nil
	}
	s.nextID++
	message.ID = fmt.Sprintf("msg-%d", s.nextID)
	s.messages[key] = message
	return true, nil
}

func (s *fakeStore) SaveAttachment(_ context.Context, attachment *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, attachment)
	return nil
}

func (s *fakeStore) RecomputeThreadMetadata(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}

	count := 0
	var latest time.Time
	for _, msg := range s.messages {
		if msg.ThreadID == threadID {
			count++
			if msg.SentAt.After(latest) {
				latest = msg.SentAt
			}
		}
	}
	th.messageCount = count
	if !latest.IsZero() {
		th.lastActivityAt = latest
	}
	return nil
}

func (s *fakeStore) FindMessageThread(_ context.Context, accountID, messageIDHeader string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[s.key(accountID, messageIDHeader)]; ok {
		return msg.ThreadID, nil
	}
	return "", nil
}

func (s *fakeStore) FindThreadBySubjectWithin(_ context.Context, accountID, normalizedSubject string, at time.Time, windowDays int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := time.Duration(windowDays) * 24 * time.Hour
	for _, th := range s.threads {
		if th.accountID != accountID || th.normalizedSubject != normalizedSubject {
			continue
		}
		delta := at.Sub(th.lastActivityAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return th.id, nil
		}
	}
	return "", nil
}

func (s *fakeStore) CreateThread(_ context.Context, accountID, subject, normalizedSubject string, lastActivityAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("thread-%d", s.nextID)
	s.threads[id] = &fakeThread{
		id:                id,
		accountID:         accountID,
		subject:           subject,
		normalizedSubject: normalizedSubject,
		lastActivityAt:    lastActivityAt,
	}
	return id, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SyncFolders:           []string{"INBOX"},
		MarkerKeyword:         "MF-Synced",
		ProbeLimit:            5,
		FallbackLimit:         100,
		ThreadWindowDays:      30,
		ChainReferences:       true,
		MaxConcurrentAccounts: 2,
	}
}

func testAccount(t *testing.T, encryptor *crypto.Encryptor) *models.Account {
	t.Helper()
	encrypted, err := encryptor.Encrypt("secret")
	require.NoError(t, err)
	return &models.Account{
		ID:                "acc-1",
		Email:             "user@example.com",
		IMAPHost:          "mail.example.com",
		IMAPPort:          993,
		IMAPUsername:      "user",
		EncryptedPassword: encrypted,
		UseTLS:            true,
		Active:            true,
	}
}

func parsedMessage(id, subject string, sentAt time.Time) *imapcli.ParsedMessage {
	return &imapcli.ParsedMessage{
		MessageID: id,
		Subject:   subject,
		From:      imapcli.Address{Name: "Sender", Email: "sender@example.com"},
		To:        []imapcli.Address{{Email: "user@example.com"}},
		SentAt:    sentAt,
		BodyText:  "hello",
	}
}

func newTestService(store *fakeStore, session *fakeSession, encryptor *crypto.Encryptor) *Service {
	cfg := testConfig()
	resolver := thread.NewResolver(store, cfg.ThreadWindowDays, cfg.ChainReferences)
	factory := func(_ *models.Account, _ string) MailSession { return session }
	return NewService(store, resolver, encryptor, factory, cfg)
}

func TestPollAccountImportsUnseenMessages(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	now := time.Now()
	session := &fakeSession{
		folders: map[string][]*fakeMessage{
			"INBOX": {
				{uid: 1, parsed: parsedMessage("<a@x>", "Hello", now.Add(-time.Hour)), keywords: map[string]bool{}},
				{uid: 2, parsed: parsedMessage("<b@x>", "Re: Hello", now), keywords: map[string]bool{}},
			},
		},
	}

	service := newTestService(store, session, encryptor)
	summary := service.PollAccount(context.Background(), account)

	assert.Equal(t, 1, summary.AccountsProcessed)
	assert.Equal(t, 2, summary.MessagesFetched)
	assert.Equal(t, 2, summary.MessagesImported)
	assert.Empty(t, summary.Errors)
	assert.True(t, session.disconnected, "session must be released after the poll")

	// Both messages share the normalized subject within the window.
	require.Len(t, store.threads, 1)
	for _, th := range store.threads {
		assert.Equal(t, 2, th.messageCount)
		assert.WithinDuration(t, now, th.lastActivityAt, time.Second)
	}

	// Marker set after successful import.
	for _, msg := range session.folders["INBOX"] {
		assert.True(t, msg.keywords["MF-Synced"], "uid %d should be marked", msg.uid)
	}
}

func TestPollAccountIsIdempotent(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	session := &fakeSession{
		folders: map[string][]*fakeMessage{
			"INBOX": {
				{uid: 1, parsed: parsedMessage("<a@x>", "Hello", time.Now()), keywords: map[string]bool{}},
			},
		},
	}

	service := newTestService(store, session, encryptor)

	first := service.PollAccount(context.Background(), account)
	require.Equal(t, 1, first.MessagesImported)

	// Simulate marker loss: the mailbox forgot the keyword but the record
	// persists. The re-run must not create a second record.
	session.folders["INBOX"][0].keywords = map[string]bool{}

	second := service.PollAccount(context.Background(), account)
	assert.Equal(t, 0, second.MessagesImported)
	assert.Empty(t, second.Errors)
	assert.Len(t, store.messages, 1)

	// The marker was repaired without re-importing.
	assert.True(t, session.folders["INBOX"][0].keywords["MF-Synced"])
}

func TestPollAccountSurvivesMarkWriteFailure(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	session := &fakeSession{
		markFails: true,
		folders: map[string][]*fakeMessage{
			"INBOX": {
				{uid: 1, parsed: parsedMessage("<a@x>", "Hello", time.Now()), keywords: map[string]bool{}},
			},
		},
	}

	service := newTestService(store, session, encryptor)

	// Durable write succeeds, marking fails: no error, message imported.
	first := service.PollAccount(context.Background(), account)
	assert.Equal(t, 1, first.MessagesImported)
	assert.Empty(t, first.Errors)

	// Next poll re-fetches the unmarked message and finds it already stored.
	session.markFails = false
	second := service.PollAccount(context.Background(), account)
	assert.Equal(t, 0, second.MessagesImported)
	assert.Len(t, store.messages, 1, "no duplicate, no loss")
}

func TestPollAccountFallsBackWhenKeywordsUnsupported(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	now := time.Now()
	session := &fakeSession{
		keywordSearchLies: true,
		folders: map[string][]*fakeMessage{
			"INBOX": {
				{uid: 1, parsed: parsedMessage("<a@x>", "One", now.Add(-2*time.Hour)), keywords: map[string]bool{}},
				{uid: 2, parsed: parsedMessage("<b@x>", "Two", now.Add(-time.Hour)), keywords: map[string]bool{}},
				{uid: 3, parsed: parsedMessage("<c@x>", "Three", now), keywords: map[string]bool{}},
			},
		},
	}

	service := newTestService(store, session, encryptor)
	summary := service.PollAccount(context.Background(), account)

	assert.Equal(t, 3, summary.MessagesImported, "all unseen messages imported via the fallback path")
	assert.Empty(t, summary.Errors)
	assert.Len(t, store.messages, 3)
}

func TestPollAccountFallsBackWhenSearchRejected(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	session := &fakeSession{
		searchErr: errors.New("BAD command not supported"),
		folders: map[string][]*fakeMessage{
			"INBOX": {
				{uid: 1, parsed: parsedMessage("<a@x>", "One", time.Now()), keywords: map[string]bool{}},
			},
		},
	}

	service := newTestService(store, session, encryptor)
	summary := service.PollAccount(context.Background(), account)

	assert.Equal(t, 1, summary.MessagesImported)
	assert.Empty(t, summary.Errors)
}

func TestPollAccountIsolatesPerMessageFailures(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	now := time.Now()
	folders := map[string][]*fakeMessage{"INBOX": {}}
	for i := uint32(1); i <= 5; i++ {
		folders["INBOX"] = append(folders["INBOX"], &fakeMessage{
			uid:      i,
			parsed:   parsedMessage(fmt.Sprintf("<m%d@x>", i), fmt.Sprintf("Subject %d", i), now),
			keywords: map[string]bool{},
		})
	}

	session := &fakeSession{
		folders:   folders,
		fetchErrs: map[uint32]error{3: errors.New("parse error: truncated literal")},
	}

	service := newTestService(store, session, encryptor)
	summary := service.PollAccount(context.Background(), account)

	assert.Equal(t, 4, summary.MessagesImported, "messages 1,2,4,5 still imported")
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "uid:3", summary.Errors[0].MessageID)
	assert.Contains(t, summary.Errors[0].Error, "parse error")
}

func TestPollAccountReportsConnectionFailure(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	session := &fakeSession{
		connectErr: &imapcli.ConnectionError{Err: errors.New("connection refused")},
		folders:    map[string][]*fakeMessage{},
	}

	service := newTestService(store, session, encryptor)
	summary := service.PollAccount(context.Background(), account)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Error, "connection refused")

	// The account's last-sync state records the failure for the operator.
	assert.Contains(t, store.syncStates["acc-1"], "connection refused")
	assert.False(t, store.lastSynced["acc-1"].IsZero())
}

func TestPollAccountIsolatesFolderFailures(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	session := &fakeSession{
		folders: map[string][]*fakeMessage{
			"Archive": {
				{uid: 1, parsed: parsedMessage("<a@x>", "Kept", time.Now()), keywords: map[string]bool{}},
			},
		},
	}

	cfg := testConfig()
	cfg.SyncFolders = []string{"INBOX", "Archive"} // INBOX missing on this server
	resolver := thread.NewResolver(store, cfg.ThreadWindowDays, cfg.ChainReferences)
	service := NewService(store, resolver, encryptor, func(_ *models.Account, _ string) MailSession { return session }, cfg)

	summary := service.PollAccount(context.Background(), account)

	assert.Equal(t, 1, summary.MessagesImported, "second folder still processed")
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "INBOX", summary.Errors[0].Folder)
}

func TestPollAllAggregatesAccounts(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	store := newFakeStore()

	good := testAccount(t, encryptor)
	bad := testAccount(t, encryptor)
	bad.ID = "acc-2"
	bad.Email = "other@example.com"
	store.accounts = []*models.Account{good, bad}

	sessions := map[string]*fakeSession{
		"acc-1": {
			folders: map[string][]*fakeMessage{
				"INBOX": {
					{uid: 1, parsed: parsedMessage("<a@x>", "Hi", time.Now()), keywords: map[string]bool{}},
				},
			},
		},
		"acc-2": {
			connectErr: &imapcli.ConnectionError{Err: errors.New("timeout")},
			folders:    map[string][]*fakeMessage{},
		},
	}

	cfg := testConfig()
	resolver := thread.NewResolver(store, cfg.ThreadWindowDays, cfg.ChainReferences)
	factory := func(account *models.Account, _ string) MailSession { return sessions[account.ID] }
	service := NewService(store, resolver, encryptor, factory, cfg)

	summary := service.PollAll(context.Background())

	assert.Equal(t, 2, summary.AccountsProcessed)
	assert.Equal(t, 1, summary.MessagesImported)
	assert.Equal(t, 1, summary.Failed, "one account failed to connect")
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "acc-2", summary.Errors[0].AccountID)
}

func TestImportPersistsAttachmentMetadata(t *testing.T) {
	encryptor := testutil.GetTestEncryptor(t)
	account := testAccount(t, encryptor)
	store := newFakeStore()

	parsed := parsedMessage("<a@x>", "Report", time.Now())
	parsed.Attachments = []imapcli.AttachmentInfo{
		{Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 1024},
	}

	session := &fakeSession{
		folders: map[string][]*fakeMessage{
			"INBOX": {{uid: 1, parsed: parsed, keywords: map[string]bool{}}},
		},
	}

	service := newTestService(store, session, encryptor)
	summary := service.PollAccount(context.Background(), account)

	require.Equal(t, 1, summary.MessagesImported)
	require.Len(t, store.attachments, 1)
	assert.Equal(t, "report.pdf", store.attachments[0].Filename)
	assert.Equal(t, int64(1024), store.attachments[0].SizeBytes)
}
