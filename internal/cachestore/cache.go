// Package cachestore implements the five-layer content-addressed
// cache (C7): metadata, fingerprint, asr, translation, glossary. Each
// layer has an independent TTL+LRU eviction policy capped by a shared
// max_size_gb budget, and insertion is copy-then-rename to avoid torn
// reads, following gangplank/ocp/filer.go's object-store conventions.
package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/coreos/stagerunner/internal/orcherr"
)

// Layer is one of the five closed cache layers.
type Layer string

// The five cache layers, each with independently keyed entries.
// Mixing a key from one layer against another is a programming error.
const (
	LayerMetadata    Layer = "metadata"
	LayerFingerprint Layer = "fingerprint"
	LayerASR         Layer = "asr"
	LayerTranslation Layer = "translation"
	LayerGlossary    Layer = "glossary"
)

// Entry is the on-disk sidecar metadata for one cached payload.
type Entry struct {
	Layer        Layer     `json:"layer"`
	Key          string    `json:"key"`
	PayloadPath  string    `json:"payload_path"`
	CreatedAt    time.Time `json:"created_at"`
	TTLDays      int       `json:"ttl_days"` // 0 means no expiry (glossary)
	SizeBytes    int64     `json:"size_bytes"`
	HitCount     int       `json:"hit_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Seq          int64     `json:"seq"` // access order, bumped on insert and on every hit; eviction removes the lowest
}

func (e Entry) expired(now time.Time) bool {
	if e.TTLDays <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLDays)*24*time.Hour
}

// Stats summarizes cache activity for the `status --cache-stats` CLI
// surface (SPEC_FULL §4 supplement 2).
type Stats struct {
	Hits          int
	Misses        int
	SizeByLayer   map[Layer]int64
	EvictionCount int
}

// Manager is the cache manager. It is safe for concurrent use; lookups
// for the same key are collapsed with singleflight so N stages racing
// on an identical content key only pay for one disk read.
type Manager struct {
	dir         string
	maxSizeByte int64
	mirror      *Mirror // optional remote mirror, nil when disabled

	mu      sync.Mutex
	index   map[Layer]map[string]*Entry
	stats   Stats
	sfGroup singleflight.Group
	seq     int64
}

// New constructs a Manager rooted at dir with the given size budget.
// The index is rebuilt by walking dir for existing sidecar files, so a
// Manager can be reopened across process restarts.
func New(dir string, maxSizeGB float64, mirror *Mirror) (*Manager, error) {
	m := &Manager{
		dir:         dir,
		maxSizeByte: int64(maxSizeGB * (1 << 30)),
		mirror:      mirror,
		index:       make(map[Layer]map[string]*Entry),
		stats:       Stats{SizeByLayer: make(map[Layer]int64)},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, orcherr.New(orcherr.CacheCorrupt, "", err)
	}
	if err := m.Rebuild(); err != nil {
		return nil, err
	}
	return m, nil
}

// Rebuild reconstructs the in-memory index from sidecar metadata files
// on disk, recovering from CacheCorrupt per spec §7 ("recoverable by
// rebuilding the index, losing hit-rate, not data") and SPEC_FULL §4
// supplement 5.
func (m *Manager) Rebuild() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index = make(map[Layer]map[string]*Entry)
	m.stats.SizeByLayer = make(map[Layer]int64)

	for _, layer := range []Layer{LayerMetadata, LayerFingerprint, LayerASR, LayerTranslation, LayerGlossary} {
		layerDir := filepath.Join(m.dir, string(layer))
		entries, err := os.ReadDir(layerDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return orcherr.New(orcherr.CacheCorrupt, "", err)
		}
		m.index[layer] = make(map[string]*Entry)
		for _, de := range entries {
			if de.IsDir() || filepath.Ext(de.Name()) != ".meta" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(layerDir, de.Name()))
			if err != nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			m.index[layer][e.Key] = &e
			m.stats.SizeByLayer[layer] += e.SizeBytes
		}
	}
	return nil
}

func sidecarPath(dir string, layer Layer, key string) string {
	return filepath.Join(dir, string(layer), key+".meta")
}

func payloadDir(dir string, layer Layer) string {
	return filepath.Join(dir, string(layer))
}

// Hit is returned by Lookup on a cache hit.
type Hit struct {
	PayloadPath string
}

// Lookup consults layer for key. A Miss is signaled by ok=false, never
// an error: cache miss is explicitly non-fatal per spec §7.
func (m *Manager) Lookup(layer Layer, key string) (Hit, bool, error) {
	v, err, _ := m.sfGroup.Do(string(layer)+"|"+key, func() (interface{}, error) {
		return m.lookupOnce(layer, key)
	})
	if err != nil {
		return Hit{}, false, err
	}
	res := v.(lookupResult)
	return res.hit, res.ok, nil
}

type lookupResult struct {
	hit Hit
	ok  bool
}

func (m *Manager) lookupOnce(layer Layer, key string) (lookupResult, error) {
	m.mu.Lock()
	entries := m.index[layer]
	var e *Entry
	if entries != nil {
		e = entries[key]
	}
	m.mu.Unlock()

	if e == nil {
		m.recordMiss()
		return lookupResult{}, nil
	}
	if e.expired(time.Now()) {
		_ = m.Invalidate(layer, key)
		m.recordMiss()
		return lookupResult{}, nil
	}
	if _, err := os.Stat(e.PayloadPath); err != nil {
		// Index says present, filesystem disagrees: rebuild and miss.
		log.WithFields(log.Fields{"layer": layer, "key": key}).Warn("cache index out of sync with filesystem")
		_ = m.Rebuild()
		m.recordMiss()
		return lookupResult{}, nil
	}

	m.mu.Lock()
	e.HitCount++
	e.LastAccessed = time.Now().UTC()
	m.seq++
	e.Seq = m.seq
	m.stats.Hits++
	m.mu.Unlock()
	m.persistEntry(layer, e)

	return lookupResult{hit: Hit{PayloadPath: e.PayloadPath}, ok: true}, nil
}

func (m *Manager) recordMiss() {
	m.mu.Lock()
	m.stats.Misses++
	m.mu.Unlock()
}

// Insert stores srcPath under (layer, key) with ttlDays (0 = no
// expiry), copy-then-rename to avoid exposing a torn payload to
// concurrent readers, then evicts LRU entries in layer until under
// budget. srcPath may be a directory (e.g. the translation stage's
// per-target-language output set); the whole tree is copied
// recursively and stored as a directory payload.
func (m *Manager) Insert(layer Layer, key, srcPath string, ttlDays int) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return orcherr.New(orcherr.CacheCorrupt, "", err)
	}

	size := info.Size()
	if info.IsDir() {
		size, err = dirSize(srcPath)
		if err != nil {
			return orcherr.New(orcherr.CacheCorrupt, "", err)
		}
	}
	if size > m.maxSizeByte {
		return orcherr.Newf(orcherr.CacheCorrupt, "", "entry %d bytes exceeds cache budget %d bytes", size, m.maxSizeByte)
	}

	destDir := payloadDir(m.dir, layer)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return orcherr.New(orcherr.CacheCorrupt, "", err)
	}

	ext := ""
	if !info.IsDir() {
		ext = filepath.Ext(srcPath)
	}
	finalPath := filepath.Join(destDir, key+ext)
	tmpPath := finalPath + ".tmp"
	_ = os.RemoveAll(tmpPath)

	if info.IsDir() {
		err = copyDir(srcPath, tmpPath)
	} else {
		err = copyFile(srcPath, tmpPath)
	}
	if err != nil {
		_ = os.RemoveAll(tmpPath)
		return orcherr.New(orcherr.CacheCorrupt, "", err)
	}
	_ = os.RemoveAll(finalPath)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return orcherr.New(orcherr.CacheCorrupt, "", err)
	}

	e := &Entry{
		Layer:        layer,
		Key:          key,
		PayloadPath:  finalPath,
		CreatedAt:    time.Now().UTC(),
		TTLDays:      ttlDays,
		SizeBytes:    size,
		LastAccessed: time.Now().UTC(),
	}

	m.mu.Lock()
	m.seq++
	e.Seq = m.seq
	if m.index[layer] == nil {
		m.index[layer] = make(map[string]*Entry)
	}
	if old := m.index[layer][key]; old != nil {
		m.stats.SizeByLayer[layer] -= old.SizeBytes
	}
	m.index[layer][key] = e
	m.stats.SizeByLayer[layer] += e.SizeBytes
	m.mu.Unlock()
	m.persistEntry(layer, e)

	m.evictIfOverBudget(layer)

	if m.mirror != nil {
		if err := m.mirror.Upload(layer, key, finalPath); err != nil {
			log.WithError(err).Warn("cache remote mirror upload failed; entry remains local-only")
		}
	}
	return nil
}

// WarmFromMirror pulls a single entry down from the configured remote
// mirror into the local cache, used to prime a fresh worker's empty
// cache from a fleet-shared mirror (SPEC_FULL §4 supplement,
// `status --warm-mirror`). Returns CacheCorrupt if no mirror is
// configured.
func (m *Manager) WarmFromMirror(layer Layer, key string, ttlDays int) error {
	if m.mirror == nil {
		return orcherr.New(orcherr.CacheCorrupt, "", fmt.Errorf("no remote cache mirror configured"))
	}
	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("stagerunner-warm-%s-%s", layer, key))
	if err := m.mirror.Fetch(layer, key, tmpPath); err != nil {
		return orcherr.New(orcherr.CacheCorrupt, "", fmt.Errorf("fetching %s/%s from remote mirror: %w", layer, key, err))
	}
	defer os.Remove(tmpPath)
	return m.Insert(layer, key, tmpPath, ttlDays)
}

// Invalidate removes a single entry.
func (m *Manager) Invalidate(layer Layer, key string) error {
	m.mu.Lock()
	e, ok := m.index[layer][key]
	if ok {
		delete(m.index[layer], key)
		m.stats.SizeByLayer[layer] -= e.SizeBytes
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_ = os.Remove(e.PayloadPath)
	_ = os.Remove(sidecarPath(m.dir, layer, key))
	return nil
}

// PurgeExpired removes every expired entry across all layers.
func (m *Manager) PurgeExpired() error {
	now := time.Now()
	m.mu.Lock()
	var toRemove []struct {
		layer Layer
		key   string
	}
	for layer, entries := range m.index {
		for key, e := range entries {
			if e.expired(now) {
				toRemove = append(toRemove, struct {
					layer Layer
					key   string
				}{layer, key})
			}
		}
	}
	m.mu.Unlock()

	for _, r := range toRemove {
		if err := m.Invalidate(r.layer, r.key); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of cache activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{Hits: m.stats.Hits, Misses: m.stats.Misses, EvictionCount: m.stats.EvictionCount, SizeByLayer: make(map[Layer]int64)}
	for k, v := range m.stats.SizeByLayer {
		out.SizeByLayer[k] = v
	}
	return out
}

// evictIfOverBudget evicts least-recently-used entries in layer (lowest
// Seq first) until the layer's total size is back under maxSizeByte.
// The budget is applied to each layer on its own: every layer may hold
// up to maxSizeByte, so the combined size of all five layers is not
// capped by maxSizeByte and can reach five times it.
func (m *Manager) evictIfOverBudget(layer Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.stats.SizeByLayer[layer] > m.maxSizeByte {
		entries := m.index[layer]
		if len(entries) == 0 {
			break
		}
		var oldestKey string
		var oldestSeq int64
		first := true
		for k, e := range entries {
			if first || e.Seq < oldestSeq {
				oldestKey = k
				oldestSeq = e.Seq
				first = false
			}
		}
		e := entries[oldestKey]
		delete(entries, oldestKey)
		m.stats.SizeByLayer[layer] -= e.SizeBytes
		m.stats.EvictionCount++
		_ = os.Remove(e.PayloadPath)
		_ = os.Remove(sidecarPath(m.dir, layer, oldestKey))
	}
}

func (m *Manager) persistEntry(layer Layer, e *Entry) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return
	}
	sp := sidecarPath(m.dir, layer, e.Key)
	if err := os.MkdirAll(filepath.Dir(sp), 0o755); err != nil {
		return
	}
	tmp := sp + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, sp)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// CopyDir recursively copies the directory tree rooted at src to dst,
// used both by Insert (staging a directory-valued payload under its
// content key) and by the executor when replaying a directory-valued
// cache hit into a stage's declared output path.
func CopyDir(src, dst string) error {
	return copyDir(src, dst)
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
}

// dirSize sums the apparent size of every regular file under dir, used
// to apply Insert's cache-budget check to directory-valued payloads.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// HashFile streams src through SHA-256 without loading it into memory,
// used by the fingerprint layer's key construction (spec §3: "streamed,
// not loaded").
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sortedKeys is a small helper used by key-construction functions that
// fold an unordered config subset into a canonical string.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func canonicalConfigSubset(cfg map[string]string) string {
	var parts []string
	for _, k := range sortedKeys(cfg) {
		parts = append(parts, fmt.Sprintf("%s=%s", k, cfg[k]))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
