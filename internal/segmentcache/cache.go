// Package segmentcache stores synthesized audio per segment so that
// unchanged segments are never sent to the provider twice.
package segmentcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
)

// Metadata attribute names stored with every entry.
const (
	metaCreatedAt   = "created_at"
	metaFingerprint = "fingerprint"
	metaIndex       = "segment_index"
)

const logFmtCleared = "Cleared %d cached segments for owner %s"

var (
	// ErrCacheStore wraps every failure of the underlying store.
	ErrCacheStore = errors.New("segment cache store failure")
	// ErrEmptyAudio indicates an attempt to cache an empty result.
	ErrEmptyAudio = errors.New("cannot cache empty audio")
)

// Cache is a durable key to audio store scoped by owner.
type Cache struct {
	store core.ObjectStore
	log   *logger.Logger
	now   func() time.Time
}

// New creates a cache on top of an object store.
func New(store core.ObjectStore, log *logger.Logger) *Cache {
	return &Cache{store: store, log: log, now: time.Now}
}

// KeyFor derives the cache key of a segment.
func KeyFor(owner string, segment core.Segment, options core.SynthesisOptions) core.CacheKey {
	return core.NewCacheKey(owner, segment, options)
}

// Get looks up an entry. A missing entry is reported as found=false, not as an error.
func (c *Cache) Get(ctx context.Context, key core.CacheKey) (core.CacheEntry, bool, error) {
	name := key.String()

	metadata, err := c.store.Stat(ctx, name)
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return core.CacheEntry{}, false, nil
		}

		return core.CacheEntry{}, false, fmt.Errorf("%w: stat '%s': %w", ErrCacheStore, name, err)
	}

	// The name only carries a fingerprint prefix, so the full value decides.
	if metadata[metaFingerprint] != key.Fingerprint {
		return core.CacheEntry{}, false, nil
	}

	audio, err := c.store.Download(ctx, name)
	if err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return core.CacheEntry{}, false, nil
		}

		return core.CacheEntry{}, false, fmt.Errorf("%w: get '%s': %w", ErrCacheStore, name, err)
	}

	if len(audio) == 0 {
		return core.CacheEntry{}, false, nil
	}

	createdAt, parseErr := time.Parse(time.RFC3339Nano, metadata[metaCreatedAt])
	if parseErr != nil {
		createdAt = time.Time{}
	}

	return core.CacheEntry{Key: key, Audio: audio, CreatedAt: createdAt}, true, nil
}

// Put stores an entry, replacing any previous entry under the same key.
func (c *Cache) Put(ctx context.Context, entry core.CacheEntry) error {
	if len(entry.Audio) == 0 {
		return ErrEmptyAudio
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}

	name := entry.Key.String()
	metadata := map[string]string{
		metaCreatedAt:   createdAt.UTC().Format(time.RFC3339Nano),
		metaFingerprint: entry.Key.Fingerprint,
		metaIndex:       strconv.Itoa(entry.Key.Index),
	}

	err := c.store.UploadWithMetadata(ctx, name, entry.Audio, metadata)
	if err != nil {
		return fmt.Errorf("%w: put '%s': %w", ErrCacheStore, name, err)
	}

	return nil
}

// Delete removes a single entry.
func (c *Cache) Delete(ctx context.Context, key core.CacheKey) error {
	err := c.store.Delete(ctx, key.String())
	if err != nil {
		return fmt.Errorf("%w: delete '%s': %w", ErrCacheStore, key.String(), err)
	}

	return nil
}

// Clear removes every entry of owner and returns how many were deleted.
func (c *Cache) Clear(ctx context.Context, owner string) (int, error) {
	names, err := c.store.List(ctx, core.OwnerPrefix(owner))
	if err != nil {
		return 0, fmt.Errorf("%w: list owner entries: %w", ErrCacheStore, err)
	}

	deleted := 0

	for _, name := range names {
		deleteErr := c.store.Delete(ctx, name)
		if deleteErr != nil {
			return deleted, fmt.Errorf("%w: delete '%s': %w", ErrCacheStore, name, deleteErr)
		}

		deleted++
	}

	c.log.Info(logFmtCleared, deleted, owner)

	return deleted, nil
}
