package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreReplay(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := ScopedKey("0x0000000000000000000000000000000000000b0b", t.Name()+time.Now().String())
	first := Record{
		StatusCode:  201,
		Response:    []byte(`{"id":"1"}`),
		RequestHash: Fingerprint("POST", "/api/v1/deposits", []byte(`{"amount":"50"}`)),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	if err := store.Save(ctx, key, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A live record is never overwritten.
	second := first
	second.StatusCode = 409
	second.RequestHash = Fingerprint("POST", "/api/v1/deposits", []byte(`{"amount":"60"}`))
	if err := store.Save(ctx, key, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != 201 {
		t.Fatalf("unexpected record: %#v", got)
	}
	if err := got.Matches(second.RequestHash); err != ErrKeyReused {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}

	expired := first
	expired.ExpiresAt = time.Now().Add(-time.Second).UTC()
	stale := key + ":stale"
	if err := store.Save(ctx, stale, expired); err != nil {
		t.Fatalf("save expired: %v", err)
	}
	if got, err := store.Get(ctx, stale); err != nil || got != nil {
		t.Fatalf("expired record returned: %#v err %v", got, err)
	}
}
