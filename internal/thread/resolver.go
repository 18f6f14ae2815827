// Package thread assigns incoming messages to durable conversations.
package thread

import (
	"context"
	"fmt"
	"strings"
	"time"

	imapcli "github.com/dkovacs/mailfeed/internal/imap"
)

// Store is the durable-store surface the resolver needs. A miss is reported
// as an empty id, never as an error.
type Store interface {
	// FindMessageThread returns the thread id of an already-stored message
	// with the given protocol unique id, or "" when none is stored.
	FindMessageThread(ctx context.Context, accountID, messageIDHeader string) (string, error)
	// FindThreadBySubjectWithin returns an existing thread with the same
	// normalized subject and last activity within the window, or "".
	FindThreadBySubjectWithin(ctx context.Context, accountID, normalizedSubject string, at time.Time, windowDays int) (string, error)
	// CreateThread creates an empty thread seeded with the given subject and
	// timestamp and returns its id.
	CreateThread(ctx context.Context, accountID, subject, normalizedSubject string, lastActivityAt time.Time) (string, error)
}

// Resolver decides which conversation a parsed message belongs to.
type Resolver struct {
	store           Store
	windowDays      int
	chainReferences bool
}

// NewResolver creates a Resolver. With chainReferences enabled, In-Reply-To
// and References ids are matched against stored messages before the
// subject/time-window heuristic runs.
func NewResolver(store Store, windowDays int, chainReferences bool) *Resolver {
	return &Resolver{
		store:           store,
		windowDays:      windowDays,
		chainReferences: chainReferences,
	}
}

// Resolve returns the thread id for the message, creating a new thread when
// no existing one matches. The caller is responsible for recomputing the
// thread's derived metadata after persisting the message.
func (r *Resolver) Resolve(ctx context.Context, accountID string, msg *imapcli.ParsedMessage) (string, error) {
	if r.chainReferences {
		threadID, err := r.resolveByReferences(ctx, accountID, msg)
		if err != nil {
			return "", err
		}
		if threadID != "" {
			return threadID, nil
		}
	}

	normalized := NormalizeSubject(msg.Subject)

	threadID, err := r.store.FindThreadBySubjectWithin(ctx, accountID, normalized, msg.SentAt, r.windowDays)
	if err != nil {
		return "", fmt.Errorf("failed to match thread by subject: %w", err)
	}
	if threadID != "" {
		return threadID, nil
	}

	threadID, err = r.store.CreateThread(ctx, accountID, msg.Subject, normalized, msg.SentAt)
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}

	return threadID, nil
}

// resolveByReferences chains on threading headers: In-Reply-To first, then
// the References list from the most recent ancestor backwards.
func (r *Resolver) resolveByReferences(ctx context.Context, accountID string, msg *imapcli.ParsedMessage) (string, error) {
	candidates := make([]string, 0, len(msg.References)+1)
	if msg.InReplyTo != "" {
		candidates = append(candidates, msg.InReplyTo)
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		candidates = append(candidates, msg.References[i])
	}

	for _, id := range candidates {
		threadID, err := r.store.FindMessageThread(ctx, accountID, id)
		if err != nil {
			return "", fmt.Errorf("failed to chain on reference %q: %w", id, err)
		}
		if threadID != "" {
			return threadID, nil
		}
	}

	return "", nil
}

// replyPrefixes are stripped repeatedly from the front of a subject before
// comparison, so "Re: Re: Fwd: news" and "news" normalize identically.
var replyPrefixes = []string{"re:", "fw:", "fwd:", "aw:", "wg:"}

// NormalizeSubject lowercases a subject, strips reply/forward prefixes, and
// collapses internal whitespace.
func NormalizeSubject(subject string) string {
	normalized := strings.ToLower(strings.TrimSpace(subject))

	for {
		stripped := false
		for _, prefix := range replyPrefixes {
			if strings.HasPrefix(normalized, prefix) {
				normalized = strings.TrimSpace(normalized[len(prefix):])
				stripped = true
			}
		}
		if !stripped {
			break
		}
	}

	return strings.Join(strings.Fields(normalized), " ")
}
