package archivefetch

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-ingest-worker/internal/objectstore"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestFetcher(t *testing.T) (*Fetcher, *objectstore.MemoryStore) {
	t.Helper()
	store := objectstore.NewMemoryStore()
	root := t.TempDir()
	f, err := New(store, root)
	require.NoError(t, err)
	return f, store
}

func TestFetch_TarGz(t *testing.T) {
	t.Parallel()
	f, store := newTestFetcher(t)

	archive := buildTarGz(t, map[string]string{
		"meeting/conversation.json": `{"schema_version":"1.0"}`,
		"meeting/checksums.sha256":  "deadbeef  conversation.json\n",
	})
	store.Put("drops", "meeting.tar.gz", archive, "application/gzip")

	got, err := f.Fetch(t.Context(), "job-1", "drops", "meeting.tar.gz")
	require.NoError(t, err)
	defer got.Release()

	assert.FileExists(t, got.ConversationPath)
	assert.Equal(t, "conversation.json", filepath.Base(got.ConversationPath))
	assert.NotEmpty(t, got.ManifestPath)
	assert.Equal(t, int64(len(archive)), got.SizeBytes)

	data, err := os.ReadFile(got.ConversationPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "schema_version")
}

func TestFetch_TarGz_MissingManifest(t *testing.T) {
	t.Parallel()
	f, store := newTestFetcher(t)

	archive := buildTarGz(t, map[string]string{
		"conversation.json": `{"schema_version":"1.0"}`,
	})
	store.Put("drops", "no-manifest.tar.gz", archive, "application/gzip")

	got, err := f.Fetch(t.Context(), "job-2", "drops", "no-manifest.tar.gz")
	require.NoError(t, err)
	defer got.Release()

	assert.Empty(t, got.ManifestPath)
}

func TestFetch_TarGz_MissingConversation(t *testing.T) {
	t.Parallel()
	f, store := newTestFetcher(t)

	archive := buildTarGz(t, map[string]string{
		"readme.txt": "nothing to see here",
	})
	store.Put("drops", "empty.tar.gz", archive, "application/gzip")

	_, err := f.Fetch(t.Context(), "job-3", "drops", "empty.tar.gz")
	assert.ErrorIs(t, err, ErrManifestMissing)
}

func TestFetch_LegacyJSON(t *testing.T) {
	t.Parallel()
	f, store := newTestFetcher(t)

	store.Put("drops", "legacy.json", []byte(`{"schema_version":"1.0"}`), "application/json")

	got, err := f.Fetch(t.Context(), "job-4", "drops", "legacy.json")
	require.NoError(t, err)
	defer got.Release()

	assert.Empty(t, got.TarballPath)
	assert.FileExists(t, got.ConversationPath)
}

func TestFetch_LegacyJSON_InvalidBody(t *testing.T) {
	t.Parallel()
	f, store := newTestFetcher(t)

	store.Put("drops", "broken.json", []byte("not json"), "application/json")

	_, err := f.Fetch(t.Context(), "job-5", "drops", "broken.json")
	assert.Error(t, err)
}

func TestFetch_UnknownExtension(t *testing.T) {
	t.Parallel()
	f, store := newTestFetcher(t)

	store.Put("drops", "archive.zip", []byte("PK"), "application/zip")

	_, err := f.Fetch(t.Context(), "job-6", "drops", "archive.zip")
	assert.ErrorIs(t, err, ErrUnknownExtension)
}

func TestSweepOrphans(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	old := filepath.Join(root, "stale-job")
	require.NoError(t, os.MkdirAll(old, 0o755))
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	fresh := filepath.Join(root, "fresh-job")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	swept, err := SweepOrphans(root, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}

func TestSweepOrphans_MissingRoot(t *testing.T) {
	t.Parallel()
	swept, err := SweepOrphans(filepath.Join(t.TempDir(), "does-not-exist"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
