package chatsync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyBackend fails every Put while failing is set.
type flakyBackend struct {
	*MemoryBackend
	mu      sync.Mutex
	failing bool
}

func (b *flakyBackend) setFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

func (b *flakyBackend) Put(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	failing := b.failing
	b.mu.Unlock()
	if failing {
		return errors.New("disk unavailable")
	}
	return b.MemoryBackend.Put(ctx, key, value)
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(10)
	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := b.Put(ctx, "k", []byte("12345")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "k2", []byte("1234567")); !errors.Is(err, ErrStorageFull) {
		t.Fatalf("err = %v, want ErrStorageFull", err)
	}
	if err := b.Put(ctx, "k", []byte("1234567890")); err != nil {
		t.Fatalf("overwrite within capacity: %v", err)
	}
	b.Delete(ctx, "k")
	if b.Len() != 0 {
		t.Errorf("len = %d, want 0", b.Len())
	}
}

func TestCacheStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewCacheStore(NewMemoryBackend(0), nil)

	if s.Get(ctx, "c1") != nil {
		t.Fatal("expected nil for unknown conversation")
	}
	s.Put(ctx, "c1", []Message{msg("b", 20, "b"), msg("a", 10, "a")}, 5)
	entry := s.Get(ctx, "c1")
	assertIDs(t, entry.Messages, "a", "b")
	if entry.KnownTotal != 5 {
		t.Errorf("known total = %d, want 5", entry.KnownTotal)
	}

	entry.Messages[0].Body = "mutated"
	if s.Get(ctx, "c1").Messages[0].Body == "mutated" {
		t.Error("Get must return a copy")
	}
}

func TestCacheStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := NewMemoryBackend(0)
	s := NewCacheStore(backend, &CacheOptions{TTL: time.Hour, Now: clock.Now})

	s.Put(ctx, "old", []Message{msg("a", 10, "a")}, 0)
	clock.Advance(30 * time.Minute)
	s.Put(ctx, "new", []Message{msg("b", 20, "b")}, 0)
	clock.Advance(45 * time.Minute)

	if s.Get(ctx, "old") != nil {
		t.Error("expired entry still readable")
	}
	if s.Get(ctx, "new") == nil {
		t.Error("live entry missing")
	}
	if _, err := backend.Get(ctx, entryKey("old")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired entry still in backend: %v", err)
	}
	if got := s.Conversations(); len(got) != 1 || got[0] != "new" {
		t.Errorf("conversations = %v", got)
	}
}

func TestCacheStoreRestore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := NewMemoryBackend(0)

	first := NewCacheStore(backend, &CacheOptions{TTL: time.Hour, Now: clock.Now})
	first.Put(ctx, "stale", []Message{msg("s", 5, "s")}, 0)
	clock.Advance(50 * time.Minute)
	first.Put(ctx, "c1", []Message{msg("a", 10, "a"), msg("b", 20, "b")}, 7)

	clock.Advance(20 * time.Minute)
	second := NewCacheStore(backend, &CacheOptions{TTL: time.Hour, Now: clock.Now})
	if err := second.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if st := second.Stats(); st.Swept != 1 {
		t.Errorf("swept = %d, want 1", st.Swept)
	}
	entry := second.Get(ctx, "c1")
	if entry == nil {
		t.Fatal("entry not restored")
	}
	assertIDs(t, entry.Messages, "a", "b")
	if entry.KnownTotal != 7 {
		t.Errorf("known total = %d, want 7", entry.KnownTotal)
	}
	if second.Get(ctx, "stale") != nil {
		t.Error("stale entry restored")
	}
}

func TestCacheStoreOpenCorruptIndex(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	backend.Put(ctx, indexKey, []byte("{not json"))
	s := NewCacheStore(backend, nil)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("corrupt index should start empty, got %v", err)
	}
	if len(s.Conversations()) != 0 {
		t.Error("expected no conversations")
	}
}

func TestCacheStoreStorageFull(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := NewMemoryBackend(1200)
	s := NewCacheStore(backend, &CacheOptions{Now: clock.Now})

	body := strings.Repeat("x", 300)
	s.Put(ctx, "c1", []Message{msg("a", 10, body)}, 0)
	clock.Advance(time.Minute)
	s.Put(ctx, "c2", []Message{msg("b", 10, body)}, 0)
	clock.Advance(time.Minute)
	s.Put(ctx, "c3", []Message{msg("c", 10, body)}, 0)

	st := s.Stats()
	if st.Evictions == 0 {
		t.Fatal("expected an eviction")
	}
	if _, err := backend.Get(ctx, entryKey("c1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest entry not evicted: %v", err)
	}
	if _, err := backend.Get(ctx, entryKey("c3")); err != nil {
		t.Errorf("new entry not written: %v", err)
	}
	if s.Get(ctx, "c1") == nil {
		t.Error("evicted entry must stay in memory for the session")
	}
}

func TestCacheStoreDirtyRetry(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(0)}
	s := NewCacheStore(backend, nil)

	backend.setFailing(true)
	entry := s.Put(ctx, "c1", []Message{msg("a", 10, "a")}, 0)
	assertIDs(t, entry.Messages, "a")
	if st := s.Stats(); st.Dirty != 1 {
		t.Fatalf("dirty = %d, want 1", st.Dirty)
	}

	backend.setFailing(false)
	s.Put(ctx, "c2", []Message{msg("b", 10, "b")}, 0)
	if st := s.Stats(); st.Dirty != 0 {
		t.Errorf("dirty = %d after recovery, want 0", st.Dirty)
	}
	if _, err := backend.Get(ctx, entryKey("c1")); err != nil {
		t.Errorf("dirty entry not flushed: %v", err)
	}
}

func TestCacheStoreDelete(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	s := NewCacheStore(backend, nil)
	s.Put(ctx, "c1", []Message{msg("a", 10, "a")}, 0)
	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if s.Get(ctx, "c1") != nil {
		t.Error("entry still present")
	}
	if _, err := backend.Get(ctx, entryKey("c1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry still in backend: %v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	b, err := OpenSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := b.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, "k")
	if err != nil || string(got) != "v2" {
		t.Fatalf("got %q, %v", got, err)
	}

	s := NewCacheStore(b, nil)
	s.Put(ctx, "c1", []Message{msg("a", 10, "a")}, 3)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := OpenSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	s2 := NewCacheStore(b2, nil)
	if err := s2.Open(ctx); err != nil {
		t.Fatal(err)
	}
	entry := s2.Get(ctx, "c1")
	if entry == nil || entry.KnownTotal != 3 {
		t.Fatalf("entry not restored from disk: %+v", entry)
	}
}
