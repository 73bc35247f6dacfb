package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCacheTTL is how long an untouched conversation survives in the
// local cache.
const DefaultCacheTTL = 24 * time.Hour

const (
	entryKeyPrefix = "entry/"
	indexKey       = "index"
)

func entryKey(conversationID string) string { return entryKeyPrefix + conversationID }

// ============================================================================
// Backend
// ============================================================================

// Backend is the durable key/value store behind the cache. Get returns
// ErrNotFound for a missing key; Put returns ErrStorageFull when out of space.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryBackend is a goroutine-safe in-memory Backend. A positive capacity
// bounds the total number of stored value bytes.
type MemoryBackend struct {
	mu       sync.RWMutex
	data     map[string][]byte
	size     int
	capacity int
}

// NewMemoryBackend creates an in-memory backend. capacity <= 0 means unbounded.
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte), capacity: capacity}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	newSize := b.size - len(b.data[key]) + len(value)
	if b.capacity > 0 && newSize > b.capacity {
		return ErrStorageFull
	}
	b.data[key] = append([]byte(nil), value...)
	b.size = newSize
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size -= len(b.data[key])
	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Len returns the number of stored keys.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// ============================================================================
// CacheStore
// ============================================================================

// CacheOptions configures a CacheStore.
type CacheOptions struct {
	TTL    time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Entries   int
	Dirty     int
	Evictions int
	Swept     int
}

type indexRecord struct {
	Entries map[string]int64 `json:"entries"`
}

// CacheStore is the client-local, per-conversation cache. The in-memory map
// is authoritative for the session; every change is written through to the
// backend synchronously. Entries idle for longer than the TTL are purged
// lazily when they are loaded.
type CacheStore struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*CacheEntry
	index   map[string]time.Time
	dirty   map[string]struct{}
	stats   CacheStats
}

// NewCacheStore creates a cache over backend. Call Open before use to
// restore the index written by a previous process.
func NewCacheStore(backend Backend, opts *CacheOptions) *CacheStore {
	s := &CacheStore{
		backend: backend,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		logger:  zerolog.Nop(),
		entries: make(map[string]*CacheEntry),
		index:   make(map[string]time.Time),
		dirty:   make(map[string]struct{}),
	}
	if opts != nil {
		if opts.TTL > 0 {
			s.ttl = opts.TTL
		}
		if opts.Now != nil {
			s.now = opts.Now
		}
		s.logger = opts.Logger
	}
	return s
}

// Open restores the index and sweeps expired entries from the backend.
func (s *CacheStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.Get(ctx, indexKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var rec indexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn().Err(err).Msg("discarding unreadable cache index")
		return nil
	}

	swept := 0
	for conv, ms := range rec.Entries {
		updated := time.UnixMilli(ms)
		if s.expired(updated) {
			if err := s.backend.Delete(ctx, entryKey(conv)); err != nil {
				s.logger.Warn().Err(err).Str("conversation_id", conv).Msg("failed to delete expired entry")
			}
			swept++
			continue
		}
		s.index[conv] = updated
	}
	if swept > 0 {
		s.stats.Swept += swept
		if err := s.writeIndex(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to rewrite cache index after sweep")
		}
		s.logger.Info().Int("swept", swept).Int("kept", len(s.index)).Msg("cache restored")
	}
	return nil
}

// Get returns a copy of the conversation's entry, or nil when absent or
// expired.
func (s *CacheStore) Get(ctx context.Context, conversationID string) *CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, conversationID).clone()
}

// Put merges msgs into the stored entry, creating it on first use, and
// writes the result through to the backend. Backend failures never lose the
// in-memory update.
func (s *CacheStore) Put(ctx context.Context, conversationID string, msgs []Message, knownTotal int) *CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur []Message
	curTotal := 0
	if e := s.load(ctx, conversationID); e != nil {
		cur, curTotal = e.Messages, e.KnownTotal
	}
	res := Merge(cur, msgs, curTotal, knownTotal)
	entry := &CacheEntry{
		ConversationID: conversationID,
		Messages:       res.Messages,
		LastUpdated:    s.now(),
		KnownTotal:     res.KnownTotal,
	}
	s.entries[conversationID] = entry
	s.persist(ctx, conversationID)
	return entry.clone()
}

// replace stores entry as is. Only the Reconciler calls it, for sequences it
// has already ordered.
func (s *CacheStore) replace(ctx context.Context, entry *CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry.clone()
	e.LastUpdated = s.now()
	s.entries[e.ConversationID] = e
	s.persist(ctx, e.ConversationID)
}

// Delete drops a conversation from memory and from the backend.
func (s *CacheStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversationID)
	delete(s.dirty, conversationID)
	if _, ok := s.index[conversationID]; !ok {
		return nil
	}
	delete(s.index, conversationID)
	if err := s.backend.Delete(ctx, entryKey(conversationID)); err != nil {
		return err
	}
	return s.writeIndex(ctx)
}

// Conversations lists the ids of all live entries, most recent first.
func (s *CacheStore) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]time.Time, len(s.index)+len(s.entries))
	for id, t := range s.index {
		seen[id] = t
	}
	for id, e := range s.entries {
		seen[id] = e.LastUpdated
	}
	ids := make([]string, 0, len(seen))
	for id, t := range seen {
		if !s.expired(t) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return seen[ids[i]].After(seen[ids[j]]) })
	return ids
}

// Stats returns a snapshot of the cache counters.
func (s *CacheStore) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = len(s.entries)
	st.Dirty = len(s.dirty)
	return st
}

// Close closes the backend.
func (s *CacheStore) Close() error {
	return s.backend.Close()
}

func (s *CacheStore) expired(updated time.Time) bool {
	return s.now().Sub(updated) > s.ttl
}

// load returns the live entry, reading it from the backend if needed. The
// caller holds s.mu.
func (s *CacheStore) load(ctx context.Context, conversationID string) *CacheEntry {
	if e, ok := s.entries[conversationID]; ok {
		if !s.expired(e.LastUpdated) {
			return e
		}
		s.purge(ctx, conversationID)
		return nil
	}

	updated, ok := s.index[conversationID]
	if !ok {
		return nil
	}
	if s.expired(updated) {
		s.purge(ctx, conversationID)
		return nil
	}

	data, err := s.backend.Get(ctx, entryKey(conversationID))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("cache read failed")
		}
		return nil
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("dropping unreadable cache entry")
		s.purge(ctx, conversationID)
		return nil
	}
	e.ConversationID = conversationID
	s.entries[conversationID] = &e
	return &e
}

func (s *CacheStore) purge(ctx context.Context, conversationID string) {
	delete(s.entries, conversationID)
	delete(s.dirty, conversationID)
	s.stats.Swept++
	if _, ok := s.index[conversationID]; !ok {
		return
	}
	delete(s.index, conversationID)
	if err := s.backend.Delete(ctx, entryKey(conversationID)); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to delete expired entry")
	}
	if err := s.writeIndex(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write cache index")
	}
}

// persist writes one entry through. When the backend is full it evicts the
// oldest other entry and retries once; any remaining failure leaves the entry
// dirty to be retried after the next successful write.
func (s *CacheStore) persist(ctx context.Context, conversationID string) {
	err := s.write(ctx, conversationID)
	if errors.Is(err, ErrStorageFull) {
		if s.evictOldest(ctx, conversationID) {
			err = s.write(ctx, conversationID)
		}
	}
	if err != nil {
		s.dirty[conversationID] = struct{}{}
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("cache write failed, keeping in memory")
		return
	}
	delete(s.dirty, conversationID)
	s.flushDirty(ctx)
}

func (s *CacheStore) flushDirty(ctx context.Context) {
	for conv := range s.dirty {
		if _, ok := s.entries[conv]; !ok {
			delete(s.dirty, conv)
			continue
		}
		if err := s.write(ctx, conv); err != nil {
			return
		}
		delete(s.dirty, conv)
	}
}

func (s *CacheStore) write(ctx context.Context, conversationID string) error {
	e := s.entries[conversationID]
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, entryKey(conversationID), data); err != nil {
		return err
	}
	prev, had := s.index[conversationID]
	s.index[conversationID] = e.LastUpdated
	if err := s.writeIndex(ctx); err != nil {
		if had {
			s.index[conversationID] = prev
		} else {
			delete(s.index, conversationID)
		}
		return err
	}
	return nil
}

func (s *CacheStore) writeIndex(ctx context.Context) error {
	rec := indexRecord{Entries: make(map[string]int64, len(s.index))}
	for conv, t := range s.index {
		rec.Entries[conv] = t.UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, indexKey, data)
}

// evictOldest removes the least recently updated durable entry other than
// keep. The in-memory copy stays for the rest of the session.
func (s *CacheStore) evictOldest(ctx context.Context, keep string) bool {
	victim := ""
	var oldest time.Time
	for conv, t := range s.index {
		if conv == keep {
			continue
		}
		if victim == "" || t.Before(oldest) {
			victim, oldest = conv, t
		}
	}
	if victim == "" {
		return false
	}
	if err := s.backend.Delete(ctx, entryKey(victim)); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", victim).Msg("eviction failed")
		return false
	}
	delete(s.index, victim)
	delete(s.dirty, victim)
	s.stats.Evictions++
	s.logger.Info().Str("conversation_id", victim).Str("for", keep).Msg("evicted oldest cache entry")
	return true
}
