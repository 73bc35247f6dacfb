package chatsync

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Merge
// ============================================================================

// MergeResult is the outcome of merging an incoming slice into a view.
type MergeResult struct {
	Messages   []Message
	KnownTotal int
	Added      int
	Enriched   int
}

// Merge folds incoming into existing. existing must already be ordered by
// timestamp and unique by identity; incoming may be in any order and may
// repeat itself. Known messages are only ever enriched: a field that is set
// is never cleared. The result is stably sorted by timestamp so equal
// timestamps keep their prior relative order. Neither input is modified.
func Merge(existing, incoming []Message, existingTotal, incomingTotal int) MergeResult {
	out := cloneMessages(existing)
	pos := make(map[Identity]int, len(out)+len(incoming))
	for i := range out {
		pos[out[i].Identity()] = i
	}

	var res MergeResult
	appended := false
	for _, in := range incoming {
		id := in.Identity()
		if i, ok := pos[id]; ok {
			if enrich(&out[i], in) {
				res.Enriched++
			}
			continue
		}
		pos[id] = len(out)
		out = append(out, cloneMessage(in))
		res.Added++
		appended = true
	}

	if appended {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp < out[j].Timestamp
		})
	}

	res.Messages = out
	res.KnownTotal = maxInt(existingTotal, incomingTotal, len(out))
	return res
}

// enrich copies forward every field of src that is empty in dst.
func enrich(dst *Message, src Message) bool {
	changed := false
	if dst.ConversationID == "" && src.ConversationID != "" {
		dst.ConversationID = src.ConversationID
		changed = true
	}
	if dst.Body == "" && src.Body != "" {
		dst.Body = src.Body
		changed = true
	}
	if dst.Direction == "" && src.Direction != "" {
		dst.Direction = src.Direction
		changed = true
	}
	if dst.SenderID == "" && src.SenderID != "" {
		dst.SenderID = src.SenderID
		changed = true
	}
	if dst.Type == "" && src.Type != "" {
		dst.Type = src.Type
		changed = true
	}
	if src.Status.Advances(dst.Status) {
		dst.Status = src.Status
		changed = true
	}
	if src.Attachment != nil {
		if dst.Attachment == nil {
			a := *src.Attachment
			dst.Attachment = &a
			changed = true
		} else if enrichAttachment(dst.Attachment, src.Attachment) {
			changed = true
		}
	}
	return changed
}

func enrichAttachment(dst, src *AttachmentMeta) bool {
	changed := false
	if dst.Type == "" && src.Type != "" {
		dst.Type = src.Type
		changed = true
	}
	if dst.URL == "" && src.URL != "" {
		dst.URL = src.URL
		changed = true
	}
	if dst.Filename == "" && src.Filename != "" {
		dst.Filename = src.Filename
		changed = true
	}
	if dst.Size == 0 && src.Size != 0 {
		dst.Size = src.Size
		changed = true
	}
	return changed
}

func cloneMessage(m Message) Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = cloneMessage(msgs[i])
	}
	return out
}

func maxInt(vals ...int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler is the single writer for cache entries. Every mutation of a
// conversation's view goes through it and is serialized per conversation.
type Reconciler struct {
	store  *CacheStore
	locks  keyedMutex
	logger zerolog.Logger
}

// NewReconciler creates a reconciler writing into store.
func NewReconciler(store *CacheStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		locks:  keyedMutex{locks: make(map[string]*keyedLock)},
		logger: logger,
	}
}

// Store returns the underlying cache store.
func (r *Reconciler) Store() *CacheStore { return r.store }

// Apply merges msgs into the conversation view. Malformed messages are
// dropped and logged; the rest are merged.
func (r *Reconciler) Apply(ctx context.Context, conversationID string, msgs []Message, knownTotal int) (*CacheEntry, error) {
	valid := r.filterValid(conversationID, msgs)

	unlock, err := r.locks.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return r.store.Put(ctx, conversationID, valid, knownTotal), nil
}

// ApplyStatus advances the delivery status of one message in the view. It
// reports false if the message is not in the view.
func (r *Reconciler) ApplyStatus(ctx context.Context, conversationID, messageID string, status DeliveryStatus) (bool, error) {
	unlock, err := r.locks.lock(ctx, conversationID)
	if err != nil {
		return false, err
	}
	defer unlock()

	entry := r.store.Get(ctx, conversationID)
	if entry == nil {
		return false, nil
	}
	for _, m := range entry.Messages {
		if m.ID != messageID {
			continue
		}
		if !status.Advances(m.Status) {
			return true, nil
		}
		m.Status = status
		r.store.Put(ctx, conversationID, []Message{m}, 0)
		return true, nil
	}
	return false, nil
}

// Prepend places an older page in front of the view. The anchor must be in
// the view. Messages already in the view are skipped; the ones actually
// added are returned. If the page does not strictly precede the current head
// it is merged instead.
func (r *Reconciler) Prepend(ctx context.Context, conversationID, anchorID string, page []Message, knownTotal int) ([]Message, error) {
	valid := r.filterValid(conversationID, page)

	unlock, err := r.locks.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entry := r.store.Get(ctx, conversationID)
	if !entry.Contains(anchorID) {
		return nil, &PreconditionError{ConversationID: conversationID, AnchorID: anchorID, Err: ErrAnchorNotFound}
	}

	seen := make(map[Identity]struct{}, len(entry.Messages)+len(valid))
	for i := range entry.Messages {
		seen[entry.Messages[i].Identity()] = struct{}{}
	}
	fresh := make([]Message, 0, len(valid))
	for _, m := range valid {
		id := m.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, cloneMessage(m))
	}
	if len(fresh) == 0 {
		r.store.Put(ctx, conversationID, nil, knownTotal)
		return nil, nil
	}
	if !sort.SliceIsSorted(fresh, func(i, j int) bool { return fresh[i].Timestamp < fresh[j].Timestamp }) {
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Timestamp < fresh[j].Timestamp })
	}

	head := entry.Messages[0]
	if fresh[len(fresh)-1].Timestamp > head.Timestamp {
		r.logger.Debug().
			Str("conversation_id", conversationID).
			Int("page", len(fresh)).
			Msg("older page overlaps view, merging")
		r.store.Put(ctx, conversationID, fresh, knownTotal)
		return fresh, nil
	}

	combined := make([]Message, 0, len(fresh)+len(entry.Messages))
	combined = append(combined, fresh...)
	combined = append(combined, entry.Messages...)
	r.store.replace(ctx, &CacheEntry{
		ConversationID: conversationID,
		Messages:       combined,
		KnownTotal:     maxInt(entry.KnownTotal, knownTotal, len(combined)),
	})
	return fresh, nil
}

func (r *Reconciler) filterValid(conversationID string, msgs []Message) []Message {
	valid := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID {
			r.logger.Warn().
				Str("conversation_id", conversationID).
				Str("message_conversation_id", m.ConversationID).
				Msg("dropping message for another conversation")
			continue
		}
		if err := m.Validate(); err != nil {
			r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("dropping malformed message")
			continue
		}
		valid = append(valid, m)
	}
	return valid
}

// ============================================================================
// Per-conversation locks
// ============================================================================

type keyedLock struct {
	ch   chan struct{}
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// lock acquires the lock for key, giving up if ctx is done first.
func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	release := func() {
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
