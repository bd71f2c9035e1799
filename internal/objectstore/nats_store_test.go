// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/speech-broker/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
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

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func newStore(t *testing.T, bucket string) (*objectstore.NatsObjectStore, nats.JetStreamContext) {
	t.Helper()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, bucket, time.Hour)
	require.NoError(t, err)

	return store, jetstreamContext
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "test-bucket")

	ctx := context.Background()
	key := "20261019_120000_0123456789abcdef0123456789abcdef.txt"
	uploadData := []byte("你好世界")

	require.NoError(t, store.Upload(ctx, key, uploadData))

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_UploadFile(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "files")

	path := filepath.Join(t.TempDir(), "artifact.mp3")
	payload := []byte("ID3 fake audio")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	ctx := context.Background()
	require.NoError(t, store.UploadFile(ctx, "artifact.mp3", path))

	downloaded, err := store.Download(ctx, "artifact.mp3")
	require.NoError(t, err)
	require.Equal(t, payload, downloaded)

	require.Error(t, store.UploadFile(ctx, "missing.mp3", filepath.Join(t.TempDir(), "missing.mp3")))
}

func TestNatsObjectStore_DeleteAndMissing(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "deletes")
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "gone", []byte("x")))
	require.NoError(t, store.Delete(ctx, "gone"))
	require.NoError(t, store.Delete(ctx, "never-existed"))

	_, err := store.Download(ctx, "gone")
	require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestNew_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	first, jetstreamContext := newStore(t, "shared")
	require.NoError(t, first.Upload(context.Background(), "key", []byte("value")))

	second, err := objectstore.New(jetstreamContext, "shared", time.Hour)
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), data)
}
