package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CacheExportVersion is the format version written by Export.
const CacheExportVersion = 1

// normalize lowercases s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint derives the cache key of a request. Requests that differ only
// in case or whitespace share a fingerprint.
func Fingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(normalize(req.Prompt)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(req.TaskLabel)))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats are the hit/miss counters of a SolutionCache.
type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	HitRate    float64 `json:"hit_rate"`
}

// CacheExport is the portable form of the cache.
type CacheExport struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Entries    []CacheEntry `json:"entries"`
	Stats      CacheStats   `json:"stats"`

	// Approaches holds the execution stats of the exporting process.
	// Import ignores it.
	Approaches []ApproachStats `json:"approaches,omitempty"`
}

// SolutionCache memoizes successful results by request fingerprint.
// Entries are write-once: the first successful result wins.
type SolutionCache struct {
	backend    CacheBackend
	maxEntries int
	history    *ExecutionHistory

	// flight collapses concurrent misses on one fingerprint into one race.
	flight singleflight.Group

	mu     sync.Mutex
	hits   int64
	misses int64

	metrics MetricsRecorder
	logger  zerolog.Logger
}

// CacheOption configures a SolutionCache.
type CacheOption func(*SolutionCache)

// WithMaxEntries bounds the number of entries; the oldest are evicted first.
// Zero disables the bound.
func WithMaxEntries(n int) CacheOption {
	return func(c *SolutionCache) { c.maxEntries = n }
}

// WithCacheHistory includes per-approach stats from h in exports.
func WithCacheHistory(h *ExecutionHistory) CacheOption {
	return func(c *SolutionCache) { c.history = h }
}

// WithCacheMetrics sets the metrics recorder.
func WithCacheMetrics(m MetricsRecorder) CacheOption {
	return func(c *SolutionCache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l zerolog.Logger) CacheOption {
	return func(c *SolutionCache) { c.logger = l.With().Str("component", "cache").Logger() }
}

// NewSolutionCache creates a cache over backend. A nil backend uses memory.
func NewSolutionCache(backend CacheBackend, opts ...CacheOption) *SolutionCache {
	if backend == nil {
		backend = NewMemoryCacheBackend()
	}
	c := &SolutionCache{
		backend: backend,
		metrics: nopMetrics{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for req. The returned result is marked Cached.
func (c *SolutionCache) Get(ctx context.Context, req Request) (*Result, bool) {
	fp := Fingerprint(req)
	entry, ok, err := c.backend.Get(ctx, fp)
	if err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("Cache lookup failed")
		ok = false
	}

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	c.metrics.RecordCacheLookup(ok)

	if !ok {
		return nil, false
	}
	return cachedResult(entry), true
}

func cachedResult(entry CacheEntry) *Result {
	return &Result{
		Success:  true,
		Payload:  entry.Payload,
		Approach: entry.Approach,
		Cached:   true,
	}
}

// Put stores a successful result. Failures and duplicates are ignored.
// It reports whether a new entry was stored.
func (c *SolutionCache) Put(ctx context.Context, req Request, res *Result) (bool, error) {
	if res == nil || !res.Success || res.Cached {
		return false, nil
	}
	entry := CacheEntry{
		Fingerprint: Fingerprint(req),
		Payload:     res.Payload,
		Approach:    res.Approach,
		CreatedAt:   time.Now(),
	}
	stored, err := c.backend.PutIfAbsent(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("failed to store cache entry: %w", err)
	}
	if stored && c.maxEntries > 0 {
		if evicted, err := c.backend.Trim(ctx, c.maxEntries); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to trim cache")
		} else if evicted > 0 {
			c.logger.Debug().Int("evicted", evicted).Msg("Cache trimmed")
		}
	}
	return stored, nil
}

// GetOrRun serves req from the cache, or runs the race and caches its winner.
// Concurrent misses on the same fingerprint share a single race; callers that
// joined another caller's race receive its winner marked Cached. A shared race
// runs under the context of the caller that started it.
func (c *SolutionCache) GetOrRun(ctx context.Context, racer *RacingScheduler, req Request) RaceResult {
	if res, ok := c.Get(ctx, req); ok {
		return RaceResult{Winner: res}
	}

	fp := Fingerprint(req)
	led := false
	v, _, _ := c.flight.Do(fp, func() (interface{}, error) {
		led = true
		// The previous flight may have stored the entry after our lookup.
		if entry, ok, err := c.backend.Get(ctx, fp); err == nil && ok {
			return RaceResult{Winner: cachedResult(entry)}, nil
		}
		rr := racer.Run(ctx, req)
		if rr.OK() {
			if _, err := c.Put(ctx, req, rr.Winner); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache race winner")
			}
		}
		return rr, nil
	})

	rr := v.(RaceResult)
	if led {
		return rr
	}
	out := RaceResult{Failures: append([]ApproachFailure(nil), rr.Failures...), Elapsed: rr.Elapsed}
	if rr.Winner != nil {
		w := *rr.Winner
		w.Cached = true
		out.Winner = &w
	}
	return out
}

// Clear removes every entry and resets the counters.
func (c *SolutionCache) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.mu.Lock()
	c.hits, c.misses = 0, 0
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries.
func (c *SolutionCache) Len(ctx context.Context) int {
	n, err := c.backend.Len(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to count cache entries")
		return 0
	}
	return n
}

// Stats returns the hit/miss counters.
func (c *SolutionCache) Stats(ctx context.Context) CacheStats {
	c.mu.Lock()
	s := CacheStats{Hits: c.hits, Misses: c.misses, MaxEntries: c.maxEntries}
	c.mu.Unlock()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	s.Entries = c.Len(ctx)
	return s
}

// Export returns every entry in portable form.
func (c *SolutionCache) Export(ctx context.Context) (*CacheExport, error) {
	entries, err := c.backend.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	exp := &CacheExport{
		Version:    CacheExportVersion,
		ExportedAt: time.Now().UTC(),
		Entries:    entries,
		Stats:      c.Stats(ctx),
	}
	if c.history != nil {
		exp.Approaches = c.history.Stats()
	}
	return exp, nil
}

// Import loads entries from an export. Existing fingerprints are kept.
// It returns the number of entries added.
func (c *SolutionCache) Import(ctx context.Context, exp *CacheExport) (int, error) {
	if exp == nil {
		return 0, nil
	}
	if exp.Version > CacheExportVersion {
		return 0, fmt.Errorf("unsupported cache export version %d", exp.Version)
	}
	added := 0
	for _, e := range exp.Entries {
		if e.Fingerprint == "" || e.Payload == "" {
			continue
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		stored, err := c.backend.PutIfAbsent(ctx, e)
		if err != nil {
			return added, fmt.Errorf("failed to import entry %s: %w", e.Fingerprint, err)
		}
		if stored {
			added++
		}
	}
	if c.maxEntries > 0 {
		if _, err := c.backend.Trim(ctx, c.maxEntries); err != nil {
			return added, fmt.Errorf("failed to trim cache: %w", err)
		}
	}
	return added, nil
}

// ExportTo writes the cache as indented JSON to w.
func (c *SolutionCache) ExportTo(ctx context.Context, w io.Writer) error {
	exp, err := c.Export(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exp); err != nil {
		return fmt.Errorf("failed to encode cache export: %w", err)
	}
	return nil
}

// ImportFrom reads a JSON export from r.
func (c *SolutionCache) ImportFrom(ctx context.Context, r io.Reader) (int, error) {
	var exp CacheExport
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return 0, fmt.Errorf("failed to decode cache export: %w", err)
	}
	return c.Import(ctx, &exp)
}

// ExportFile writes the cache as JSON to path.
func (c *SolutionCache) ExportFile(ctx context.Context, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cache export: %w", err)
	}
	if err := c.ExportTo(ctx, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write cache export: %w", err)
	}
	return nil
}

// ImportFile loads a JSON export from path.
func (c *SolutionCache) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache export: %w", err)
	}
	defer f.Close()
	return c.ImportFrom(ctx, f)
}

// MemoryCacheBackend keeps entries in process memory.
type MemoryCacheBackend struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewMemoryCacheBackend creates an empty in-memory backend.
func NewMemoryCacheBackend() *MemoryCacheBackend {
	return &MemoryCacheBackend{entries: make(map[string]CacheEntry)}
}

func (m *MemoryCacheBackend) Get(_ context.Context, fingerprint string) (CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fingerprint]
	return e, ok, nil
}

func (m *MemoryCacheBackend) PutIfAbsent(_ context.Context, entry CacheEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.Fingerprint]; exists {
		return false, nil
	}
	m.entries[entry.Fingerprint] = entry
	return true, nil
}

func (m *MemoryCacheBackend) Entries(_ context.Context) ([]CacheEntry, error) {
	m.mu.RLock()
	out := make([]CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sortEntries(out)
	return out, nil
}

func (m *MemoryCacheBackend) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryCacheBackend) Trim(_ context.Context, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excess := len(m.entries) - max
	if max <= 0 || excess <= 0 {
		return 0, nil
	}
	all := make([]CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sortEntries(all)
	for _, e := range all[:excess] {
		delete(m.entries, e.Fingerprint)
	}
	return excess, nil
}

func (m *MemoryCacheBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]CacheEntry)
	m.mu.Unlock()
	return nil
}

// sortEntries orders entries oldest first, fingerprint breaking ties.
func sortEntries(entries []CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
}
