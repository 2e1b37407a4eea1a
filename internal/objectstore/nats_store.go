// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	jetstreamContext nats.JetStreamContext
	bucket           string
	store            nats.ObjectStore
}

// New creates and initializes a new NatsObjectStore.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	// If the bucket already exists, bind to it.
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		jetstreamContext: jetstreamContext,
		bucket:           bucketName,
		store:            store,
	}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, n.wrapLookupError(key, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	return n.UploadWithMetadata(ctx, key, data, nil)
}

// UploadWithMetadata saves an object together with string metadata. The
// object only becomes visible once every chunk has been written.
func (n *NatsObjectStore) UploadWithMetadata(
	ctx context.Context,
	key string,
	data []byte,
	metadata map[string]string,
) error {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return fmt.Errorf("upload of '%s' abandoned: %w", key, ctxErr)
	}

	reader := bytes.NewReader(data)

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    metadata,
		Opts:        nil,
	}, reader)
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Stat returns the metadata stored with an object.
func (n *NatsObjectStore) Stat(_ context.Context, key string) (map[string]string, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		return nil, n.wrapLookupError(key, err)
	}

	metadata := make(map[string]string, len(info.Metadata))
	for name, value := range info.Metadata {
		metadata[name] = value
	}

	return metadata, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// List returns the sorted names of all live objects starting with prefix.
func (n *NatsObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	infos, err := n.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		names = append(names, info.Name)
	}

	sort.Strings(names)

	return names, nil
}

func (n *NatsObjectStore) wrapLookupError(key string, err error) error {
	if errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("object '%s' in bucket '%s': %w", key, n.bucket, core.ErrObjectNotFound)
	}

	return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
}
