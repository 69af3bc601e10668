package natsclient

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func integrationClient(t *testing.T) *TestClient {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	return NewTestClient(t, WithJetStream())
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := integrationClient(t)
	ctx := context.Background()

	var got atomic.Int32
	sub, err := tc.Client.Subscribe(ctx, "depkit.test.>", func(_ context.Context, subject string, data []byte) {
		if subject == "depkit.test.a" && string(data) == "hello" {
			got.Add(1)
		}
	})
	require.NoError(t, err)
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, tc.Client.Publish(ctx, "depkit.test.a", []byte("hello")))
	require.Eventually(t, func() bool { return got.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
}

func TestIntegration_KVStore(t *testing.T) {
	tc := integrationClient(t)
	ctx := context.Background()

	bucket, err := tc.CreateKVBucket(ctx, "depkit_kv_test")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "k", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "k", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "k", []byte("3"), rev+100)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	require.NoError(t, kv.UpdateWithRetry(ctx, "k", func(cur []byte) ([]byte, error) {
		return append(cur, '!'), nil
	}))
	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1!", string(entry.Value))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	// Creating an existing bucket opens it
	_, err = tc.CreateKVBucket(ctx, "depkit_kv_test")
	require.NoError(t, err)
}
