// Package sync drives polling passes over remote mailboxes: enumerate
// candidates, deduplicate against the durable store, import new messages,
// and maintain the mailbox-side sync marker.
package sync

import (
	"context"
	"fmt"
	"log"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkovacs/mailfeed/internal/config"
	"github.com/dkovacs/mailfeed/internal/crypto"
	imapcli "github.com/dkovacs/mailfeed/internal/imap"
	"github.com/dkovacs/mailfeed/internal/models"
)

// Service orchestrates polls. Correctness rests entirely on the store's
// unique-id constraint; the mailbox-side marker keyword is a best-effort
// acceleration hint that may be absent, stale, or unsupported.
type Service struct {
	store      Store
	resolver   Resolver
	encryptor  *crypto.Encryptor
	newSession SessionFactory

	folders       []string
	marker        string
	probeLimit    int
	fallbackLimit int
	maxConcurrent int
}

// NewService creates a sync Service with the knobs from the configuration.
func NewService(store Store, resolver Resolver, encryptor *crypto.Encryptor, factory SessionFactory, cfg *config.Config) *Service {
	return &Service{
		store:         store,
		resolver:      resolver,
		encryptor:     encryptor,
		newSession:    factory,
		folders:       cfg.SyncFolders,
		marker:        cfg.MarkerKeyword,
		probeLimit:    cfg.ProbeLimit,
		fallbackLimit: cfg.FallbackLimit,
		maxConcurrent: cfg.MaxConcurrentAccounts,
	}
}

// accountResult accumulates the outcome of one account's poll.
type accountResult struct {
	fetched  int
	imported int
	failed   bool
	errors   []models.SyncError
}

// PollAll polls every active account and returns the aggregate summary.
// Accounts are independent: each runs in its own worker with its own session,
// and no account failure affects another.
func (s *Service) PollAll(ctx context.Context) *models.SyncSummary {
	started := time.Now()
	summary := &models.SyncSummary{Errors: []models.SyncError{}}

	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		summary.Failed = 1
		summary.Errors = append(summary.Errors, models.SyncError{Error: fmt.Sprintf("failed to list accounts: %v", err)})
		summary.DurationMs = time.Since(started).Milliseconds()
		return summary
	}

	var mu stdsync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxConcurrent)

	for _, account := range accounts {
		group.Go(func() error {
			result := s.pollAccount(groupCtx, account)

			mu.Lock()
			defer mu.Unlock()
			summary.AccountsProcessed++
			summary.MessagesFetched += result.fetched
			summary.MessagesImported += result.imported
			summary.Errors = append(summary.Errors, result.errors...)
			if result.failed {
				summary.Failed++
			}
			// Workers never return errors: the blast radius of any failure
			// is one account's one poll.
			return nil
		})
	}

	_ = group.Wait()

	summary.DurationMs = time.Since(started).Milliseconds()
	return summary
}

// PollAccount polls a single account and returns its summary. Used by the
// trigger boundary when a poll is requested for one account only.
func (s *Service) PollAccount(ctx context.Context, account *models.Account) *models.SyncSummary {
	started := time.Now()
	result := s.pollAccount(ctx, account)

	summary := &models.SyncSummary{
		AccountsProcessed: 1,
		MessagesFetched:   result.fetched,
		MessagesImported:  result.imported,
		Errors:            result.errors,
		DurationMs:        time.Since(started).Milliseconds(),
	}
	if summary.Errors == nil {
		summary.Errors = []models.SyncError{}
	}
	if result.failed {
		summary.Failed = 1
	}
	return summary
}

func (s *Service) pollAccount(ctx context.Context, account *models.Account) accountResult {
	var result accountResult

	password, err := s.encryptor.Decrypt(account.EncryptedPassword)
	if err != nil {
		result.failed = true
		result.errors = append(result.errors, models.SyncError{
			AccountID: account.ID,
			Error:     fmt.Sprintf("failed to decrypt password: %v", err),
		})
		s.recordSyncState(ctx, account.ID, result.errors)
		return result
	}

	session := s.newSession(account, password)
	// The session is released even on error paths; cancellation is achieved
	// by not issuing the next call and disconnecting.
	defer session.Disconnect()

	if err := session.Connect(); err != nil {
		// Connection-level failure aborts this account's poll only; the next
		// scheduled poll retries from scratch.
		result.failed = true
		result.errors = append(result.errors, models.SyncError{
			AccountID: account.ID,
			Error:     err.Error(),
		})
		s.recordSyncState(ctx, account.ID, result.errors)
		return result
	}

	for _, folder := range s.folders {
		if err := session.SelectFolder(folder); err != nil {
			// One bad folder must not abort the others.
			result.errors = append(result.errors, models.SyncError{
				AccountID: account.ID,
				Folder:    folder,
				Error:     err.Error(),
			})
			continue
		}

		fetched, imported, errs := s.syncFolder(ctx, session, account, folder)
		result.fetched += fetched
		result.imported += imported
		result.errors = append(result.errors, errs...)
	}

	s.recordSyncState(ctx, account.ID, result.errors)
	return result
}

// recordSyncState updates the account's last-sync timestamp and error text,
// regardless of partial failures during the poll.
func (s *Service) recordSyncState(ctx context.Context, accountID string, errs []models.SyncError) {
	var texts []string
	for _, e := range errs {
		texts = append(texts, e.Error)
	}

	if err := s.store.UpdateAccountSyncState(ctx, accountID, time.Now(), strings.Join(texts, "; ")); err != nil {
		log.Printf("Warning: failed to update sync state for account %s: %v", accountID, err)
	}
}

// candidateHandles implements the marker protocol's enumeration step for one
// folder: marker search first, then a bounded probe that detects servers
// with unreliable keyword support, then the bounded fallback window.
func (s *Service) candidateHandles(session MailSession, account *models.Account, folder string) ([]*imapcli.Handle, []models.SyncError) {
	uids, err := session.SearchWithoutKeyword(s.marker)
	if err != nil {
		// The server rejected the keyword query outright.
		log.Printf("Keyword search unsupported for account %s folder %s, using fallback window", account.Email, folder)
		return s.fallbackHandles(session, account, folder)
	}

	if len(uids) > 0 {
		handles, err := session.Handles(uids)
		if err != nil {
			return nil, []models.SyncError{{
				AccountID: account.ID,
				Folder:    folder,
				Error:     fmt.Sprintf("failed to resolve candidates: %v", err),
			}}
		}
		return handles, nil
	}

	// The marker search claims everything is synced. Probe a few recent
	// messages: any of them missing the marker means the server silently
	// ignores custom keywords and the search result cannot be trusted.
	probe, err := session.ListRecent(s.probeLimit, false)
	if err != nil {
		return nil, []models.SyncError{{
			AccountID: account.ID,
			Folder:    folder,
			Error:     fmt.Sprintf("probe fetch failed: %v", err),
		}}
	}

	for _, handle := range probe {
		if !handle.HasKeyword(s.marker) {
			log.Printf("Marker search inconclusive for account %s folder %s, using fallback window", account.Email, folder)
			return s.fallbackHandles(session, account, folder)
		}
	}

	return nil, nil
}

func (s *Service) fallbackHandles(session MailSession, account *models.Account, folder string) ([]*imapcli.Handle, []models.SyncError) {
	handles, err := session.ListRecent(s.fallbackLimit, false)
	if err != nil {
		return nil, []models.SyncError{{
			AccountID: account.ID,
			Folder:    folder,
			Error:     fmt.Sprintf("fallback fetch failed: %v", err),
		}}
	}
	return handles, nil
}

// syncFolder runs the dedup/import protocol over one folder's candidates.
// Per-message failures are accumulated, never propagated: one bad message
// must not abort the rest.
func (s *Service) syncFolder(ctx context.Context, session MailSession, account *models.Account, folder string) (int, int, []models.SyncError) {
	handles, errs := s.candidateHandles(session, account, folder)
	if len(errs) > 0 {
		return 0, 0, errs
	}

	var fetched, imported int

	for _, handle := range handles {
		parsed, err := session.FetchMessage(handle.UID)
		if err != nil {
			errs = append(errs, models.SyncError{
				AccountID: account.ID,
				Folder:    folder,
				MessageID: fmt.Sprintf("uid:%d", handle.UID),
				Error:     err.Error(),
			})
			continue
		}
		fetched++

		if parsed.MessageID == "" {
			log.Printf("Warning: message UID %d in %s has no Message-ID, skipping", handle.UID, folder)
			continue
		}

		exists, err := s.store.ExistsByMessageID(ctx, account.ID, parsed.MessageID)
		if err != nil {
			errs = append(errs, models.SyncError{
				AccountID: account.ID,
				Folder:    folder,
				MessageID: parsed.MessageID,
				Error:     fmt.Sprintf("dedup check failed: %v", err),
			})
			continue
		}

		if exists {
			// Already imported. The marker was lost (message moved, folder
			// rebuilt): repair it without re-importing.
			if !handle.HasKeyword(s.marker) {
				if !session.SetKeyword(handle.UID, s.marker) {
					log.Printf("Could not repair marker on message %s, will retry next poll", parsed.MessageID)
				}
			}
			continue
		}

		if err := s.importMessage(ctx, account, folder, parsed); err != nil {
			errs = append(errs, models.SyncError{
				AccountID: account.ID,
				Folder:    folder,
				MessageID: parsed.MessageID,
				Error:     err.Error(),
			})
			continue
		}
		imported++

		// Mark strictly after the durable write: if the write had failed the
		// message would stay unmarked and be retried on the next poll.
		if !session.SetKeyword(handle.UID, s.marker) {
			log.Printf("Could not mark message %s as synced, will retry next poll", parsed.MessageID)
		}
	}

	return fetched, imported, errs
}

// importMessage resolves the thread, persists the record and its attachment
// metadata, and recomputes the thread's derived fields.
func (s *Service) importMessage(ctx context.Context, account *models.Account, folder string, parsed *imapcli.ParsedMessage) error {
	threadID, err := s.resolver.Resolve(ctx, account.ID, parsed)
	if err != nil {
		return fmt.Errorf("failed to resolve thread: %w", err)
	}

	message := &models.Message{
		AccountID:       account.ID,
		ThreadID:        threadID,
		FolderName:      folder,
		MessageIDHeader: parsed.MessageID,
		InReplyTo:       parsed.InReplyTo,
		References:      parsed.References,
		Subject:         parsed.Subject,
		FromAddress:     parsed.From.String(),
		ToAddresses:     imapcli.FormatAddressList(parsed.To),
		CCAddresses:     imapcli.FormatAddressList(parsed.CC),
		SentAt:          parsed.SentAt,
		BodyText:        parsed.BodyText,
		UnsafeBodyHTML:  parsed.BodyHTML,
		IsRead:          parsed.IsRead(),
		IsIncoming:      isIncomingFolder(folder),
	}

	inserted, err := s.store.InsertMessage(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	if !inserted {
		// A concurrent writer imported the same unique id between the dedup
		// check and our insert. Nothing to do: the record exists.
		log.Printf("Message %s already stored by a concurrent writer", parsed.MessageID)
		return nil
	}

	for _, att := range parsed.Attachments {
		attachment := &models.Attachment{
			MessageID: message.ID,
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			SizeBytes: att.SizeBytes,
		}
		if err := s.store.SaveAttachment(ctx, attachment); err != nil {
			log.Printf("Warning: failed to save attachment %q of message %s: %v", att.Filename, parsed.MessageID, err)
		}
	}

	if err := s.store.RecomputeThreadMetadata(ctx, threadID); err != nil {
		return fmt.Errorf("failed to recompute thread metadata: %w", err)
	}

	return nil
}

// isIncomingFolder classifies message direction from the folder name.
func isIncomingFolder(folder string) bool {
	return !strings.Contains(strings.ToLower(folder), "sent")
}
