package contentstore_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/depotfetch/pkg/contentstore"
)

func newStores(t *testing.T) map[string]contentstore.Store {
	t.Helper()

	plain, err := contentstore.NewFS(t.TempDir())
	require.NoError(t, err)

	compressed, err := contentstore.NewFS(t.TempDir(), contentstore.WithCompression(true))
	require.NoError(t, err)

	return map[string]contentstore.Store{
		"fs":     plain,
		"fs-lz4": compressed,
		"memory": contentstore.NewMemory(),
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.NoError(t, store.Put("42", 1, []byte("hello")))

			got, err := store.Get("42", 1)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)

			// Reads are repeatable.
			got, err = store.Get("42", 1)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)

			require.NoError(t, store.Delete("42", 1))
			require.NoError(t, store.Delete("42", 1))

			_, err = store.Get("42", 1)
			require.ErrorIs(t, err, contentstore.ErrNotFound)
		})
	}
}

func TestStore_WriteOnce(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.NoError(t, store.Put("7", 3, []byte("first")))
			require.ErrorIs(t, store.Put("7", 3, []byte("second")), contentstore.ErrExists)

			got, err := store.Get("7", 3)
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), got)
		})
	}
}

func TestStore_EmptyContent(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.NoError(t, store.Put("9", 1, nil))

			got, err := store.Get("9", 1)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_ConcurrentDistinctKeys(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			const (
				changes = 4
				files   = 25
			)

			var wg sync.WaitGroup

			for c := range changes {
				for id := 1; id <= files; id++ {
					wg.Add(1)

					go func() {
						defer wg.Done()

						payload := fmt.Appendf(nil, "%d/%d", c, id)
						assert.NoError(t, store.Put(fmt.Sprint(c), id, payload))
					}()
				}
			}

			wg.Wait()

			for c := range changes {
				for id := 1; id <= files; id++ {
					got, err := store.Get(fmt.Sprint(c), id)
					require.NoError(t, err)
					assert.Equal(t, fmt.Sprintf("%d/%d", c, id), string(got))
				}
			}
		})
	}
}

func TestFS_FileNaming(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := contentstore.NewFS(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put("1234", 5, []byte("x")))

	_, err = os.Stat(filepath.Join(dir, "Temp_1234_5"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Temp_1234_5"), store.Path("1234", 5))
}

func TestFS_CompressionShrinksRepetitiveContent(t *testing.T) {
	t.Parallel()

	store, err := contentstore.NewFS(t.TempDir(), contentstore.WithCompression(true))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("depotfetch "), 4096)
	require.NoError(t, store.Put("1", 1, payload))

	info, err := os.Stat(store.Path("1", 1))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(payload)))

	got, err := store.Get("1", 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFS_OwnedTempDirRemovedOnClose(t *testing.T) {
	t.Parallel()

	store, err := contentstore.NewFS("")
	require.NoError(t, err)

	dir := store.Dir()
	require.NoError(t, store.Put("1", 1, []byte("x")))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestKey_SanitizesSeparators(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "12_3", contentstore.Key("12", 3))
	assert.NotContains(t, contentstore.Key("../x", 1), "/")
	assert.NotContains(t, contentstore.Key(`a\b`, 1), `\`)
}

func TestKey_DistinctChangesNeverCollide(t *testing.T) {
	t.Parallel()

	changes := []string{"a/1", "a_1", "a\\1", "a%2F1", "a..1", "a_", "a"}
	seen := make(map[string]string)

	for _, change := range changes {
		for _, id := range []int{1, 11} {
			key := contentstore.Key(change, id)

			prev, dup := seen[key]
			require.False(t, dup, "%q and %q share key %q", prev, change, key)

			seen[key] = change
		}
	}
}

func TestFS_SlashAndUnderscoreChangesKeepSeparateFiles(t *testing.T) {
	t.Parallel()

	store, err := contentstore.NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("a/1", 1, []byte("slash")))
	require.NoError(t, store.Put("a_1", 1, []byte("underscore")))

	data, err := store.Get("a/1", 1)
	require.NoError(t, err)
	assert.Equal(t, "slash", string(data))

	data, err = store.Get("a_1", 1)
	require.NoError(t, err)
	assert.Equal(t, "underscore", string(data))
}
