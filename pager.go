package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PageFetcher returns a page of messages strictly older than beforeID.
type PageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) (*Page, error)
}

// OlderResult is the outcome of one backward page load.
type OlderResult struct {
	Messages []Message
	HasMore  bool
}

// HistoryPager loads older history on demand and prepends it to the view.
// Once a conversation reports no more history it stays exhausted until
// Reset is called by a full resync.
type HistoryPager struct {
	reconciler *Reconciler
	fetcher    PageFetcher
	logger     zerolog.Logger

	mu        sync.Mutex
	exhausted map[string]bool
}

// NewHistoryPager creates a pager that fetches through fetcher.
func NewHistoryPager(reconciler *Reconciler, fetcher PageFetcher, logger zerolog.Logger) *HistoryPager {
	return &HistoryPager{
		reconciler: reconciler,
		fetcher:    fetcher,
		logger:     logger,
		exhausted:  make(map[string]bool),
	}
}

// LoadOlder fetches up to limit messages older than beforeMessageID. The
// anchor must already be in the view; otherwise a *PreconditionError
// wrapping ErrAnchorNotFound is returned. A cancelled ctx leaves the view
// untouched.
func (p *HistoryPager) LoadOlder(ctx context.Context, conversationID, beforeMessageID string, limit int) (*OlderResult, error) {
	if p.Exhausted(conversationID) {
		return &OlderResult{HasMore: false}, nil
	}

	entry := p.reconciler.Store().Get(ctx, conversationID)
	if !entry.Contains(beforeMessageID) {
		return nil, &PreconditionError{ConversationID: conversationID, AnchorID: beforeMessageID, Err: ErrAnchorNotFound}
	}

	page, err := p.fetcher.FetchMessages(ctx, conversationID, limit, beforeMessageID)
	if err != nil {
		return nil, fmt.Errorf("load older %s: %w", conversationID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	added, err := p.reconciler.Prepend(ctx, conversationID, beforeMessageID, page.Messages, page.KnownTotal)
	if err != nil {
		return nil, err
	}

	if !page.HasMore {
		p.mu.Lock()
		p.exhausted[conversationID] = true
		p.mu.Unlock()
		p.logger.Debug().Str("conversation_id", conversationID).Msg("history exhausted")
	}
	return &OlderResult{Messages: added, HasMore: page.HasMore}, nil
}

// Exhausted reports whether the conversation has no older history left.
func (p *HistoryPager) Exhausted(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted[conversationID]
}

// Reset makes backward pagination available again after a full resync.
func (p *HistoryPager) Reset(conversationID string) {
	p.mu.Lock()
	delete(p.exhausted, conversationID)
	p.mu.Unlock()
}
