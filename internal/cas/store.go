// Package cas implements the content-addressable store: blobs deduplicated
// by SHA-256 content hash with reference counting over the originals, assets
// and canonical_contents tables.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"kbengine/internal/domain"
	"kbengine/internal/storage"
)

// Handle identifies an interned blob.
type Handle struct {
	ID         uuid.UUID
	Kind       domain.BlobKind
	Hash       string
	StorageKey string
	SizeBytes  int64
	// Reused is true when the content was already interned and only the
	// reference count moved.
	Reused bool
}

// Store deduplicates byte content by hash.
type Store struct {
	store  domain.Store
	files  *storage.FileStore
	logger zerolog.Logger
}

// NewStore creates a CAS over the given repositories and blob storage.
func NewStore(store domain.Store, files *storage.FileStore, logger zerolog.Logger) *Store {
	return &Store{store: store, files: files, logger: logger}
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StorageKey derives the object-storage key for a content hash.
func StorageKey(hash string) string {
	return fmt.Sprintf("cas/%s/%s", hash[:2], hash)
}

// Intern stores content by hash. The first caller for a hash persists the
// bytes and creates the record with reference count 1; every later caller
// (including a concurrent one) lands on the unique-hash constraint and
// increments the counter instead. The blob write precedes the record insert
// and is idempotent, so two concurrent interns of identical bytes converge on
// one stored object.
func (s *Store) Intern(ctx context.Context, kind domain.BlobKind, data []byte, filename, declaredType string) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, fmt.Errorf("intern %s: empty content", kind)
	}
	hash := HashBytes(data)
	key := StorageKey(hash)
	filename = norm.NFC.String(filename)

	if _, err := s.files.Write(ctx, key, data); err != nil {
		return Handle{}, fmt.Errorf("intern %s: %w", kind, err)
	}

	blob := &domain.Blob{
		ID:          uuid.New(),
		Kind:        kind,
		ContentHash: hash,
		StorageKey:  key,
		Filename:    filename,
		MIMEType:    declaredType,
		SizeBytes:   int64(len(data)),
	}
	err := s.store.Blobs().Insert(ctx, blob)
	if err == nil {
		return Handle{ID: blob.ID, Kind: kind, Hash: hash, StorageKey: key, SizeBytes: blob.SizeBytes}, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return Handle{}, fmt.Errorf("intern %s: %w", kind, err)
	}

	existing, err := s.store.Blobs().IncrementRef(ctx, kind, hash)
	if err != nil {
		return Handle{}, fmt.Errorf("intern %s: increment existing: %w", kind, err)
	}
	s.logger.Debug().
		Str("kind", string(kind)).
		Str("hash", hash).
		Int("reference_count", existing.ReferenceCount).
		Msg("cas: content deduplicated")
	return Handle{
		ID:         existing.ID,
		Kind:       kind,
		Hash:       existing.ContentHash,
		StorageKey: existing.StorageKey,
		SizeBytes:  existing.SizeBytes,
		Reused:     true,
	}, nil
}

// Release drops one reference. Storage is reclaimed asynchronously by
// ReclaimUnreferenced, never on the decrement path, so content another
// in-flight transaction is about to reference cannot disappear under it.
func (s *Store) Release(ctx context.Context, kind domain.BlobKind, id uuid.UUID) error {
	if err := s.store.Blobs().DecrementRef(ctx, kind, id); err != nil {
		return fmt.Errorf("release %s %s: %w", kind, id, err)
	}
	return nil
}

// Read loads the bytes of an interned blob.
func (s *Store) Read(ctx context.Context, kind domain.BlobKind, id uuid.UUID) (*domain.Blob, []byte, error) {
	blob, err := s.store.Blobs().GetByID(ctx, kind, id)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	data, err := s.files.Read(ctx, blob.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	return blob, data, nil
}

// ReclaimUnreferenced removes zero-reference records idle past the grace
// period and deletes their stored objects. Run by the janitor.
func (s *Store) ReclaimUnreferenced(ctx context.Context, grace time.Duration) (int, error) {
	reclaimed := 0
	for _, kind := range []domain.BlobKind{domain.BlobOriginal, domain.BlobAsset, domain.BlobCanonicalContent} {
		blobs, err := s.store.Blobs().DeleteUnreferenced(ctx, kind, grace)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", kind, err)
		}
		for i := range blobs {
			b := &blobs[i]
			// The same content may still be referenced under another kind's
			// table; keys are kind-agnostic, so only remove the object when
			// no other table still points at the hash.
			if s.hashStillReferenced(ctx, b.ContentHash, kind) {
				continue
			}
			if err := s.files.Remove(ctx, b.StorageKey); err != nil {
				s.logger.Error().Err(err).Str("storage_key", b.StorageKey).Msg("cas: blob removal failed")
				continue
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *Store) hashStillReferenced(ctx context.Context, hash string, except domain.BlobKind) bool {
	for _, kind := range []domain.BlobKind{domain.BlobOriginal, domain.BlobAsset, domain.BlobCanonicalContent} {
		if kind == except {
			continue
		}
		if _, err := s.store.Blobs().GetByHash(ctx, kind, hash); err == nil {
			return true
		}
	}
	return false
}
