// Package storagetest holds a conformance suite run against every
// storage.Storage backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/authn-oidc-go/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests exercises the storage.Storage contract.
func RunStorageTests(t *testing.T, newStorage Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, newStorage(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, newStorage(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, newStorage(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, newStorage(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, newStorage(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, newStorage(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	data := []byte(`{"issuer":"https://idp.example.com"}`)

	if err := s.Set(ctx, "https://idp.example.com", data, storage.WithNamespace(storage.MetadataNamespace)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "https://idp.example.com", storage.WithNamespace(storage.MetadataNamespace))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if string(item.Data) != string(data) {
		t.Errorf("data mismatch: got %s, want %s", item.Data, data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Errorf("expected nil for missing key, got %+v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, "ttl-key", []byte("v"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected item with expiry, got %+v", item)
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if item != nil {
		t.Error("expected nil for expired item")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "https://idp.example.com"

	if err := s.Set(ctx, key, []byte("meta"), storage.WithNamespace(storage.MetadataNamespace)); err != nil {
		t.Fatalf("Set metadata: %v", err)
	}
	if err := s.Set(ctx, key, []byte("keys"), storage.WithNamespace(storage.KeySetNamespace)); err != nil {
		t.Fatalf("Set jwks: %v", err)
	}

	for ns, want := range map[storage.Namespace]string{
		storage.MetadataNamespace: "meta",
		storage.KeySetNamespace:   "keys",
	} {
		item, err := s.Get(ctx, key, storage.WithNamespace(ns))
		if err != nil {
			t.Fatalf("Get %s: %v", ns, err)
		}
		if item == nil || string(item.Data) != want {
			t.Errorf("namespace %s: want %q, got %+v", ns, want, item)
		}
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get global: %v", err)
	}
	if item != nil {
		t.Error("global namespace should not see namespaced keys")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ns := storage.WithNamespace(storage.KeySetNamespace)

	_ = s.Set(ctx, "a", []byte("1"), ns)
	_ = s.Set(ctx, "b", []byte("2"), ns)

	if err := s.Delete(ctx, ns, storage.WithKey("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if item, _ := s.Get(ctx, "a", ns); item != nil {
		t.Error("deleted key still present")
	}
	if item, _ := s.Get(ctx, "b", ns); item == nil {
		t.Error("sibling key removed")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	meta := storage.WithNamespace(storage.MetadataNamespace)
	keys := storage.WithNamespace(storage.KeySetNamespace)

	_ = s.Set(ctx, "a", []byte("1"), meta)
	_ = s.Set(ctx, "b", []byte("2"), meta)
	_ = s.Set(ctx, "a", []byte("3"), keys)

	if err := s.Delete(ctx, meta); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, meta); item != nil {
			t.Errorf("key %s survived namespace delete", k)
		}
	}
	if item, _ := s.Get(ctx, "a", keys); item == nil {
		t.Error("other namespace affected by delete")
	}
}
