package cachestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestInsertThenLookupHits(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	src := writeTempFile(t, dir, "payload.json", `{"segments":[]}`)
	require.NoError(t, m.Insert(LayerASR, "key1", src, 90))

	hit, ok, err := m.Lookup(LayerASR, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.FileExists(t, hit.PayloadPath)

	st := m.Stats()
	assert.Equal(t, 1, st.Hits)
}

func TestLookupMissIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	_, ok, err := m.Lookup(LayerASR, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Stats().Misses)
}

func TestExpiredEntryTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	src := writeTempFile(t, dir, "payload.json", "data")
	require.NoError(t, m.Insert(LayerMetadata, "stale", src, 1))

	m.mu.Lock()
	m.index[LayerMetadata]["stale"].CreatedAt = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()

	_, ok, err := m.Lookup(LayerMetadata, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGlossaryHasNoExpiry(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	src := writeTempFile(t, dir, "glossary.json", "entries")
	require.NoError(t, m.Insert(LayerGlossary, "media-1", src, 0))

	m.mu.Lock()
	m.index[LayerGlossary]["media-1"].CreatedAt = time.Now().Add(-365 * 24 * time.Hour)
	m.mu.Unlock()

	_, ok, err := m.Lookup(LayerGlossary, "media-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictionEnforcesSizeBudget(t *testing.T) {
	dir := t.TempDir()
	// A 2-byte budget holds exactly one 2-byte entry, so the second insert
	// evicts the first.
	m, err := New(filepath.Join(dir, "cache"), float64(2)/(1<<30), nil)
	require.NoError(t, err)

	src1 := writeTempFile(t, dir, "a.bin", "aa")
	src2 := writeTempFile(t, dir, "b.bin", "bb")

	require.NoError(t, m.Insert(LayerASR, "a", src1, 90))
	require.NoError(t, m.Insert(LayerASR, "b", src2, 90))

	_, aStillThere, _ := m.Lookup(LayerASR, "a")
	_, bStillThere, _ := m.Lookup(LayerASR, "b")
	assert.False(t, aStillThere, "oldest entry should have been evicted to stay under budget")
	assert.True(t, bStillThere)
	assert.Equal(t, 1, m.Stats().EvictionCount)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	src := writeTempFile(t, dir, "payload.json", "data")
	require.NoError(t, m.Insert(LayerTranslation, "k", src, 90))
	require.NoError(t, m.Invalidate(LayerTranslation, "k"))

	_, ok, _ := m.Lookup(LayerTranslation, "k")
	assert.False(t, ok)
}

func TestPurgeExpiredRemovesOnlyExpired(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	fresh := writeTempFile(t, dir, "fresh.json", "f")
	stale := writeTempFile(t, dir, "stale.json", "s")
	require.NoError(t, m.Insert(LayerMetadata, "fresh", fresh, 90))
	require.NoError(t, m.Insert(LayerMetadata, "stale", stale, 1))

	m.mu.Lock()
	m.index[LayerMetadata]["stale"].CreatedAt = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()

	require.NoError(t, m.PurgeExpired())

	_, freshOK, _ := m.Lookup(LayerMetadata, "fresh")
	_, staleOK, _ := m.Lookup(LayerMetadata, "stale")
	assert.True(t, freshOK)
	assert.False(t, staleOK)
}

func TestRebuildRecoversIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	m, err := New(cacheDir, 1, nil)
	require.NoError(t, err)

	src := writeTempFile(t, dir, "payload.json", "data")
	require.NoError(t, m.Insert(LayerASR, "k", src, 90))

	m2, err := New(cacheDir, 1, nil)
	require.NoError(t, err)
	_, ok, err := m2.Lookup(LayerASR, "k")
	require.NoError(t, err)
	assert.True(t, ok, "reopening a Manager must recover its index from sidecar files on disk")
}

func TestConcurrentLookupsAreDeduplicated(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	src := writeTempFile(t, dir, "payload.json", "data")
	require.NoError(t, m.Insert(LayerASR, "shared", src, 90))

	done := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, ok, err := m.Lookup(LayerASR, "shared")
			done <- (err == nil && ok)
		}()
	}
	for i := 0; i < 8; i++ {
		assert.True(t, <-done)
	}
}

func TestKeyFunctionsAreDeterministic(t *testing.T) {
	k1 := ASRKey("abc123", "whisper-large", "en", map[string]string{"batch_size": "16"})
	k2 := ASRKey("abc123", "whisper-large", "en", map[string]string{"batch_size": "16"})
	assert.Equal(t, k1, k2)

	k3 := ASRKey("abc123", "whisper-large", "en", map[string]string{"batch_size": "32"})
	assert.NotEqual(t, k1, k3)
}

func TestInsertHandlesDirectoryPayload(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), 1, nil)
	require.NoError(t, err)

	srcDir := filepath.Join(dir, "06_translation")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	writeTempFile(t, srcDir, "translation_hi.json", `{"segments":[]}`)
	writeTempFile(t, srcDir, "translation_ta.json", `{"segments":[]}`)

	require.NoError(t, m.Insert(LayerTranslation, "dirkey", srcDir, 90))

	hit, ok, err := m.Lookup(LayerTranslation, "dirkey")
	require.NoError(t, err)
	require.True(t, ok)
	assert.DirExists(t, hit.PayloadPath)
	assert.FileExists(t, filepath.Join(hit.PayloadPath, "translation_hi.json"))
	assert.FileExists(t, filepath.Join(hit.PayloadPath, "translation_ta.json"))
}

func TestInsertRejectsPayloadOverBudget(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"), float64(1)/(1<<30), nil)
	require.NoError(t, err)

	big := writeTempFile(t, dir, "big.bin", "this payload is larger than one byte")
	err = m.Insert(LayerASR, "too-big", big, 90)
	assert.Error(t, err)
}
