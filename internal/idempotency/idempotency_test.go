package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Yaduri/workflow-system/model"
)

func testEntry() Entry {
	return Entry{
		InputHash:  "hash-abc",
		InstanceID: "inst-1",
		Number:     "CRED-2024-001",
		CreatedAt:  time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

// --- MemoryStore ---

func TestMemoryStore_Check_not_found(t *testing.T) {
	s := NewMemoryStore()

	entry, found, err := s.Check(context.Background(), "idem:intake:tok:k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || entry != nil {
		t.Errorf("Check = %+v, %v; want nil, false", entry, found)
	}
}

func TestMemoryStore_SaveAndCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Save(ctx, "k1", testEntry(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	entry, found, err := s.Check(ctx, "k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if entry.InstanceID != "inst-1" || entry.Number != "CRED-2024-001" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestMemoryStore_conflict_on_hash_mismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Save(ctx, "k1", testEntry(), 5*time.Minute)

	_, found, err := s.Check(ctx, "k1", "hash-other")
	if !found {
		t.Error("found = false, want true")
	}
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_expired_entry_removed_on_check(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	_ = s.Save(ctx, "k1", testEntry(), time.Minute)
	now = now.Add(2 * time.Minute)

	if _, found, _ := s.Check(ctx, "k1", "hash-abc"); found {
		t.Error("found expired entry")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", s.Len())
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Check_not_found(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client)

	entry, found, err := s.Check(context.Background(), "k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || entry != nil {
		t.Errorf("Check = %+v, %v; want nil, false", entry, found)
	}
}

func TestRedisStore_SaveAndCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	if err := s.Save(ctx, "k1", testEntry(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if ttl := mr.TTL("k1"); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	entry, found, err := s.Check(ctx, "k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || entry.InstanceID != "inst-1" {
		t.Errorf("Check = %+v, %v", entry, found)
	}
	if !entry.CreatedAt.Equal(testEntry().CreatedAt) {
		t.Errorf("CreatedAt = %v", entry.CreatedAt)
	}
}

func TestRedisStore_conflict_on_hash_mismatch(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()
	_ = s.Save(ctx, "k1", testEntry(), 5*time.Minute)

	_, found, err := s.Check(ctx, "k1", "hash-other")
	if !found {
		t.Error("found = false, want true")
	}
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestRedisStore_expiry(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()
	_ = s.Save(ctx, "k1", testEntry(), time.Second)

	mr.FastForward(2 * time.Second)

	if _, found, err := s.Check(ctx, "k1", "hash-abc"); err != nil || found {
		t.Errorf("Check after expiry = %v, %v; want not found", found, err)
	}
}

func TestRedisStore_Ping(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping after close should fail")
	}
}

// --- Helpers ---

func TestHashInput_stable(t *testing.T) {
	a := HashInput(map[string]string{"name": "ACME", "cnpj": "1"})
	b := HashInput(map[string]string{"cnpj": "1", "name": "ACME"})
	if a != b {
		t.Errorf("hash depends on map order: %s != %s", a, b)
	}
	if c := HashInput(map[string]string{"name": "ACME"}); c == a {
		t.Error("different input produced the same hash")
	}
}

func TestFormatKey(t *testing.T) {
	if got := FormatKey("tok", "abc"); got != "idem:intake:tok:abc" {
		t.Errorf("FormatKey = %q", got)
	}
}
