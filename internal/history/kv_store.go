package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/nats-io/nats.go"
)

// KVStore keeps history items in a JetStream key-value bucket under
// "<encoded owner>.<id>" with a JSON value.
type KVStore struct {
	bucket string
	kv     nats.KeyValue
}

// NewKVStore creates the bucket, or binds to it when it already exists.
func NewKVStore(jetstreamContext nats.JetStreamContext, bucketName string) (*KVStore, error) {
	kv, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Synthesis history per owner.",
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		bound, bindErr := jetstreamContext.KeyValue(bucketName)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to create history bucket '%s': %w", bucketName, err)
		}

		kv = bound
	}

	return &KVStore{bucket: bucketName, kv: kv}, nil
}

func itemKey(owner, id string) string {
	return core.EncodeOwner(owner) + "." + id
}

func ownerPrefix(owner string) string {
	return core.EncodeOwner(owner) + "."
}

// Append stores an item. Items are keyed by owner and ID.
func (s *KVStore) Append(ctx context.Context, item core.HistoryItem) error {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return ctxErr
	}

	if item.Owner == "" || item.ID == "" {
		return fmt.Errorf("%w: owner and id are required", ErrHistoryStore)
	}

	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode history item: %w", err)
	}

	_, err = s.kv.Put(itemKey(item.Owner, item.ID), value)
	if err != nil {
		return fmt.Errorf("failed to put history item into '%s': %w", s.bucket, err)
	}

	return nil
}

// Get returns one item of owner.
func (s *KVStore) Get(_ context.Context, owner, id string) (core.HistoryItem, error) {
	entry, err := s.kv.Get(itemKey(owner, id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
			return core.HistoryItem{}, fmt.Errorf("history item '%s': %w", id, ErrNotFound)
		}

		return core.HistoryItem{}, fmt.Errorf("failed to get history item '%s': %w", id, err)
	}

	var item core.HistoryItem

	err = json.Unmarshal(entry.Value(), &item)
	if err != nil {
		return core.HistoryItem{}, fmt.Errorf("failed to decode history item '%s': %w", id, err)
	}

	return item, nil
}

// List returns the items of owner, newest first.
func (s *KVStore) List(ctx context.Context, owner string) ([]core.HistoryItem, error) {
	keys, err := s.ownerKeys(owner)
	if err != nil {
		return nil, err
	}

	items := make([]core.HistoryItem, 0, len(keys))

	for _, key := range keys {
		item, getErr := s.Get(ctx, owner, strings.TrimPrefix(key, ownerPrefix(owner)))
		if errors.Is(getErr, ErrNotFound) {
			continue
		}

		if getErr != nil {
			return nil, getErr
		}

		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].ID > items[j].ID
		}

		return items[i].Timestamp.After(items[j].Timestamp)
	})

	return items, nil
}

// Delete removes one item. Removing a missing item is not an error.
func (s *KVStore) Delete(_ context.Context, owner, id string) error {
	err := s.kv.Delete(itemKey(owner, id))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete history item '%s': %w", id, err)
	}

	return nil
}

// DeleteAll removes every item of owner and returns how many were removed.
func (s *KVStore) DeleteAll(ctx context.Context, owner string) (int, error) {
	keys, err := s.ownerKeys(owner)
	if err != nil {
		return 0, err
	}

	for index, key := range keys {
		deleteErr := s.Delete(ctx, owner, strings.TrimPrefix(key, ownerPrefix(owner)))
		if deleteErr != nil {
			return index, deleteErr
		}
	}

	return len(keys), nil
}

func (s *KVStore) ownerKeys(owner string) ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list history keys of '%s': %w", s.bucket, err)
	}

	prefix := ownerPrefix(owner)
	owned := make([]string, 0, len(keys))

	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			owned = append(owned, key)
		}
	}

	return owned, nil
}
