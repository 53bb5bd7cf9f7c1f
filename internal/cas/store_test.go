package cas_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kbengine/internal/cas"
	"kbengine/internal/domain"
	"kbengine/internal/storage"
	"kbengine/internal/testutil"
)

func newCAS(t *testing.T) (*cas.Store, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return cas.NewStore(store, files, zerolog.Nop()), store
}

func TestInternDeduplicates(t *testing.T) {
	c, store := newCAS(t)
	ctx := context.Background()
	content := []byte("identical bytes")

	first, err := c.Intern(ctx, domain.BlobOriginal, content, "a.txt", "text/plain")
	if err != nil {
		t.Fatalf("first intern: %v", err)
	}
	if first.Reused {
		t.Fatalf("first intern marked reused")
	}
	second, err := c.Intern(ctx, domain.BlobOriginal, content, "b.txt", "text/plain")
	if err != nil {
		t.Fatalf("second intern: %v", err)
	}
	if !second.Reused {
		t.Fatalf("second intern not marked reused")
	}
	if first.ID != second.ID {
		t.Fatalf("handles differ: %s vs %s", first.ID, second.ID)
	}

	blob, err := store.Blobs().GetByID(ctx, domain.BlobOriginal, first.ID)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob.ReferenceCount != 2 {
		t.Fatalf("reference_count = %d, want 2", blob.ReferenceCount)
	}
}

func TestInternSameContentDifferentKinds(t *testing.T) {
	c, _ := newCAS(t)
	ctx := context.Background()
	content := []byte("shared bytes")

	orig, err := c.Intern(ctx, domain.BlobOriginal, content, "x", "text/plain")
	if err != nil {
		t.Fatalf("intern original: %v", err)
	}
	asset, err := c.Intern(ctx, domain.BlobAsset, content, "x", "text/plain")
	if err != nil {
		t.Fatalf("intern asset: %v", err)
	}
	if orig.ID == asset.ID {
		t.Fatalf("kinds share a record")
	}
	if asset.Reused {
		t.Fatalf("first intern under a new kind marked reused")
	}
}

func TestInternRejectsEmptyContent(t *testing.T) {
	c, _ := newCAS(t)
	if _, err := c.Intern(context.Background(), domain.BlobOriginal, nil, "empty", ""); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestReadRoundTrip(t *testing.T) {
	c, _ := newCAS(t)
	ctx := context.Background()
	content := []byte("round trip payload")

	handle, err := c.Intern(ctx, domain.BlobOriginal, content, "doc.txt", "text/plain")
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	blob, data, err := c.Read(ctx, domain.BlobOriginal, handle.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("bytes mismatch")
	}
	if blob.ContentHash != handle.Hash {
		t.Fatalf("hash = %q, want %q", blob.ContentHash, handle.Hash)
	}
}

func TestReleaseAndReclaim(t *testing.T) {
	c, store := newCAS(t)
	ctx := context.Background()

	handle, err := c.Intern(ctx, domain.BlobOriginal, []byte("short lived"), "tmp", "text/plain")
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	if err := c.Release(ctx, domain.BlobOriginal, handle.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Zero references but inside the grace period: nothing reclaimed.
	n, err := c.ReclaimUnreferenced(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed = %d, want 0 within grace", n)
	}

	n, err = c.ReclaimUnreferenced(ctx, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	if _, err := store.Blobs().GetByID(ctx, domain.BlobOriginal, handle.ID); err == nil {
		t.Fatalf("record survived reclamation")
	}
	if _, _, err := c.Read(ctx, domain.BlobOriginal, handle.ID); err == nil {
		t.Fatalf("stored object survived reclamation")
	}
}

func TestReclaimKeepsObjectSharedAcrossKinds(t *testing.T) {
	c, _ := newCAS(t)
	ctx := context.Background()
	content := []byte("shared across tables")

	orig, err := c.Intern(ctx, domain.BlobOriginal, content, "x", "text/plain")
	if err != nil {
		t.Fatalf("intern original: %v", err)
	}
	asset, err := c.Intern(ctx, domain.BlobAsset, content, "x", "text/plain")
	if err != nil {
		t.Fatalf("intern asset: %v", err)
	}
	if err := c.Release(ctx, domain.BlobOriginal, orig.ID); err != nil {
		t.Fatalf("release original: %v", err)
	}
	if _, err := c.ReclaimUnreferenced(ctx, 0); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// The asset table still references the hash, so the bytes must survive.
	if _, _, err := c.Read(ctx, domain.BlobAsset, asset.ID); err != nil {
		t.Fatalf("shared object lost: %v", err)
	}
}

func TestHashBytesStable(t *testing.T) {
	a := cas.HashBytes([]byte("content"))
	b := cas.HashBytes([]byte("content"))
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if cas.StorageKey(a) != "cas/"+a[:2]+"/"+a {
		t.Fatalf("storage key = %q", cas.StorageKey(a))
	}
}
