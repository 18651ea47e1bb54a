package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanaverse/points-engine/config"
)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "points:cache:", escapeGlob("points:cache:"))
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, `x\\y`, escapeGlob(`x\y`))
}

// Needs a live server: POINTS_TEST_REDIS=host:port go test ./store/redis
func newTestKV(t *testing.T) (*KV, string) {
	t.Helper()
	addr := os.Getenv("POINTS_TEST_REDIS")
	if addr == "" {
		t.Skip("POINTS_TEST_REDIS not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err, "POINTS_TEST_REDIS must be host:port")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := NewClient(context.Background(), config.Redis{Address: host, Port: port})
	require.NoError(t, err)

	prefix := "points-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		kv := NewKV(client)
		keys, _ := kv.Keys(ctx, prefix)
		for _, k := range keys {
			_ = kv.Delete(ctx, k)
		}
		client.Close()
	})
	return NewKV(client), prefix
}

func TestKV_RoundTrip(t *testing.T) {
	kv, prefix := newTestKV(t)
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, prefix+"missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, prefix+"b", "2"))
	require.NoError(t, kv.Set(ctx, prefix+"a", "1"))
	require.NoError(t, kv.Set(ctx, prefix+"*", "glob"))

	v, ok, err := kv.Get(ctx, prefix+"a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	keys, err := kv.Keys(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "*", prefix + "a", prefix + "b"}, keys)

	keys, err = kv.Keys(ctx, prefix+"*")
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "*"}, keys)

	require.NoError(t, kv.Delete(ctx, prefix+"a"))
	_, ok, err = kv.Get(ctx, prefix+"a")
	require.NoError(t, err)
	assert.False(t, ok)
}
