package artifacts_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/artifacts"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFileStore_PutGetExists(t *testing.T) {
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("zlib-1.2.13-x86_64.stone")
	key := artifacts.PoolPath("zlib", "zlib-1.2.13-1-1-x86_64.stone")

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, key, data, sha256Hex(data)))

	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFileStore_PutRejectsSHA256Mismatch(t *testing.T) {
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "pool/z/zlib/zlib.stone", []byte("data"), "not-a-real-hash")
	require.ErrorIs(t, err, artifacts.ErrSHA256Mismatch)
}

func TestPoolPath_LibPrefixBucketsByFourChars(t *testing.T) {
	require.Equal(t, "pool/libz/libzip/libzip.stone", artifacts.PoolPath("libzip", "libzip.stone"))
	require.Equal(t, "pool/z/zlib/zlib.stone", artifacts.PoolPath("zlib", "zlib.stone"))
}
