// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newTestStore(t *testing.T, bucketName string) *objectstore.NatsObjectStore {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, bucketName)
	require.NoError(t, err)

	return store
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "test-bucket")

	ctx := context.Background()
	key := "my-test-object"
	uploadData := []byte("hello world, this is a test")

	err := store.Upload(ctx, key, uploadData)
	require.NoError(t, err)

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)

	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_MissingObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "missing-bucket")
	ctx := context.Background()

	_, err := store.Download(ctx, "nope")
	require.ErrorIs(t, err, core.ErrObjectNotFound)

	_, err = store.Stat(ctx, "nope")
	require.ErrorIs(t, err, core.ErrObjectNotFound)

	require.NoError(t, store.Delete(ctx, "nope"))
}

func TestNatsObjectStore_MetadataAndDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "meta-bucket")
	ctx := context.Background()

	err := store.UploadWithMetadata(ctx, "segments/a/1", []byte("audio"), map[string]string{"created_at": "now"})
	require.NoError(t, err)

	metadata, err := store.Stat(ctx, "segments/a/1")
	require.NoError(t, err)
	assert.Equal(t, "now", metadata["created_at"])

	require.NoError(t, store.Delete(ctx, "segments/a/1"))

	_, err = store.Download(ctx, "segments/a/1")
	require.ErrorIs(t, err, core.ErrObjectNotFound)
}

func TestNatsObjectStore_ListByPrefix(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "list-bucket")
	ctx := context.Background()

	names, err := store.List(ctx, "segments/")
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, key := range []string{"segments/a/2", "segments/a/1", "segments/b/1", "audio/a/x.mp3"} {
		require.NoError(t, store.Upload(ctx, key, []byte(key)))
	}

	require.NoError(t, store.Delete(ctx, "segments/b/1"))

	names, err = store.List(ctx, "segments/")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments/a/1", "segments/a/2"}, names)
}

func TestNatsObjectStore_CanceledUploadWritesNothing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "cancel-bucket")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Upload(ctx, "late", []byte("data"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = store.Download(context.Background(), "late")
	require.ErrorIs(t, err, core.ErrObjectNotFound)
}

func TestNew_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "k", []byte("v")))

	second, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
