package kitfox

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// CacheOptions bounds a ContentCache.
type CacheOptions struct {
	MaxTotalBytes int64         `yaml:"max_total_bytes"`
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	// CompressionRatio is the largest compressed/original ratio admitted.
	CompressionRatio float64 `yaml:"compression_ratio"`
	// MaxEntryBytes is the largest single result admitted.
	MaxEntryBytes int64         `yaml:"max_entry_bytes"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultCacheOptions returns the general-purpose cache bounds.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		MaxTotalBytes:    100 << 20,
		MaxEntries:       1000,
		TTL:              30 * time.Minute,
		CompressionRatio: 0.8,
		MaxEntryBytes:    50 << 20,
		SweepInterval:    5 * time.Minute,
	}
}

// CachePreset returns the named preset: "development", "production" or
// "mobile". ok is false for any other name.
func CachePreset(name string) (opts CacheOptions, ok bool) {
	opts = DefaultCacheOptions()
	switch name {
	case "development":
		opts.MaxTotalBytes, opts.MaxEntries, opts.TTL, opts.CompressionRatio = 50<<20, 100, 10*time.Minute, 0.9
	case "production":
		opts.MaxTotalBytes, opts.MaxEntries, opts.TTL, opts.CompressionRatio = 200<<20, 2000, time.Hour, 0.8
	case "mobile":
		opts.MaxTotalBytes, opts.MaxEntries, opts.TTL, opts.CompressionRatio = 25<<20, 50, 5*time.Minute, 0.7
	default:
		return DefaultCacheOptions(), false
	}
	return opts, true
}

// withDefaults fills zero fields from DefaultCacheOptions.
func (o CacheOptions) withDefaults() CacheOptions {
	d := DefaultCacheOptions()
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = d.MaxTotalBytes
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = d.MaxEntries
	}
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.CompressionRatio <= 0 {
		o.CompressionRatio = d.CompressionRatio
	}
	if o.MaxEntryBytes <= 0 {
		o.MaxEntryBytes = d.MaxEntryBytes
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	return o
}

// FileIdentity is the part of a file that keys the cache. The file content
// itself is not hashed.
type FileIdentity struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// CacheMetadata describes a result being stored.
type CacheMetadata struct {
	OriginalSize int64
	Format       string
	Quality      float64
}

// CacheEntry is a stored result. Entries returned by Get are copies.
type CacheEntry struct {
	Key            string
	Data           []byte
	OriginalSize   int64
	CompressedSize int64
	Format         string
	Quality        float64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

// Ratio returns CompressedSize/OriginalSize.
func (e CacheEntry) Ratio() float64 {
	if e.OriginalSize == 0 {
		return 0
	}
	return float64(e.CompressedSize) / float64(e.OriginalSize)
}

// ContentCache stores processing results in memory, keyed by file identity
// and options. Results that barely compress or are very large are not
// admitted. Expired entries are dropped by a periodic sweep, after which
// the entries with the lowest access-frequency-over-idle-time score are
// evicted until the size and count bounds hold.
type ContentCache struct {
	opts   CacheOptions
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*CacheEntry
	size    int64
	hits    int64
	misses  int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	keyEncMode cbor.EncMode

	// cacheKeyDomain is the BLAKE3 key for cache keys: the ASCII domain
	// name zero-padded to 32 bytes.
	cacheKeyDomain = [32]byte{
		'k', 'i', 't', 'f', 'o', 'x', '.', 'c', 'a', 'c', 'h', 'e', '.', 'k', 'e', 'y',
	}
)

func init() {
	var err error
	keyEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("kitfox: CBOR encoder initialization failed: " + err.Error())
	}
}

type cacheKeyInput struct {
	Name         string          `cbor:"1,keyasint"`
	Size         int64           `cbor:"2,keyasint"`
	LastModified int64           `cbor:"3,keyasint"`
	Options      cbor.RawMessage `cbor:"4,keyasint"`
}

// CacheKey derives the key for a file identity and an options value. The
// options are serialized with deterministic CBOR, so equal options always
// give equal keys.
func CacheKey(id FileIdentity, options any) (string, error) {
	opts, err := keyEncMode.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("kitfox: encode cache options: %w", err)
	}
	var lastModified int64
	if !id.LastModified.IsZero() {
		lastModified = id.LastModified.UnixMilli()
	}
	input, err := keyEncMode.Marshal(cacheKeyInput{
		Name:         id.Name,
		Size:         id.Size,
		LastModified: lastModified,
		Options:      opts,
	})
	if err != nil {
		return "", fmt.Errorf("kitfox: encode cache key: %w", err)
	}
	hasher, err := blake3.NewKeyed(cacheKeyDomain[:])
	if err != nil {
		panic("kitfox: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(input)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// NewContentCache returns a cache and starts its sweeper. Call Close to
// stop it.
func NewContentCache(opts CacheOptions, logger *slog.Logger) *ContentCache {
	if logger == nil {
		logger = discardLogger()
	}
	c := &ContentCache{
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "cache"),
		now:     time.Now,
		entries: make(map[string]*CacheEntry),
		stop:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweeper()
	c.logger.Debug("cache initialized",
		"max_total", humanize.IBytes(uint64(c.opts.MaxTotalBytes)),
		"max_entries", c.opts.MaxEntries,
		"ttl", c.opts.TTL)
	return c
}

// Options returns the effective bounds.
func (c *ContentCache) Options() CacheOptions { return c.opts }

func (c *ContentCache) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Get returns a copy of the entry stored for id and options. Expired
// entries read as misses.
func (c *ContentCache) Get(id FileIdentity, options any) (CacheEntry, bool) {
	key, err := CacheKey(id, options)
	if err != nil {
		c.logger.Warn("cache key", "name", id.Name, "error", err)
		return CacheEntry{}, false
	}
	return c.get(key)
}

func (c *ContentCache) get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok || c.expired(e, now) {
		c.misses++
		return CacheEntry{}, false
	}
	c.hits++
	e.AccessCount++
	e.LastAccessedAt = now

	out := *e
	out.Data = slices.Clone(e.Data)
	return out, true
}

// Put stores data for id and options if it passes admission: the
// compressed/original ratio must not exceed CompressionRatio and the data
// must fit within both MaxEntryBytes and MaxTotalBytes. It reports whether
// the entry was stored.
func (c *ContentCache) Put(id FileIdentity, options any, data []byte, meta CacheMetadata) bool {
	key, err := CacheKey(id, options)
	if err != nil {
		c.logger.Warn("cache key", "name", id.Name, "error", err)
		return false
	}
	return c.put(key, data, meta)
}

func (c *ContentCache) admit(compressed, original int64) bool {
	if original <= 0 || compressed > c.opts.MaxEntryBytes || compressed > c.opts.MaxTotalBytes {
		return false
	}
	return float64(compressed)/float64(original) <= c.opts.CompressionRatio
}

func (c *ContentCache) put(key string, data []byte, meta CacheMetadata) bool {
	size := int64(len(data))
	if !c.admit(size, meta.OriginalSize) {
		c.logger.Debug("cache skip", "key", key[:16], "size", size, "original", meta.OriginalSize)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.size -= old.CompressedSize
		delete(c.entries, key)
	}
	if c.size+size > c.opts.MaxTotalBytes {
		c.sweepLocked(now)
	}
	c.entries[key] = &CacheEntry{
		Key:            key,
		Data:           slices.Clone(data),
		OriginalSize:   meta.OriginalSize,
		CompressedSize: size,
		Format:         meta.Format,
		Quality:        meta.Quality,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}
	c.size += size
	// The new entry may push the cache past its bounds; it is scored like
	// any other entry.
	c.evictLocked(now)
	c.logger.Debug("cache put", "key", key[:16], "size", humanize.IBytes(uint64(size)))
	return true
}

func (c *ContentCache) expired(e *CacheEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.opts.TTL
}

// Sweep removes expired entries and then evicts until the bounds hold.
func (c *ContentCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
}

func (c *ContentCache) sweepLocked(now time.Time) {
	var expired int
	var freed int64
	for key, e := range c.entries {
		if c.expired(e, now) {
			freed += e.CompressedSize
			delete(c.entries, key)
			expired++
		}
	}
	c.size -= freed
	if expired > 0 {
		c.logger.Debug("cache expired", "entries", expired, "freed", humanize.IBytes(uint64(freed)))
	}
	c.evictLocked(now)
}

// score is the recency-weighted access frequency used for eviction.
func score(e *CacheEntry, now time.Time) float64 {
	idle := now.Sub(e.LastAccessedAt).Milliseconds() + 1
	return float64(e.AccessCount) / float64(idle)
}

func (c *ContentCache) overBounds() bool {
	return len(c.entries) > c.opts.MaxEntries || c.size > c.opts.MaxTotalBytes
}

func (c *ContentCache) evictLocked(now time.Time) {
	if !c.overBounds() {
		return
	}
	victims := make([]*CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	sort.SliceStable(victims, func(i, j int) bool {
		si, sj := score(victims[i], now), score(victims[j], now)
		if si != sj {
			return si < sj
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})
	var evicted int
	var freed int64
	for _, e := range victims {
		if !c.overBounds() {
			break
		}
		delete(c.entries, e.Key)
		c.size -= e.CompressedSize
		freed += e.CompressedSize
		evicted++
	}
	c.logger.Debug("cache evicted", "entries", evicted, "freed", humanize.IBytes(uint64(freed)))
}

// Len returns the number of stored entries, expired or not.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats is a snapshot of cache usage.
type CacheStats struct {
	Entries      int
	Bytes        int64
	Hits         int64
	Misses       int64
	HitRate      float64 // percent
	AverageRatio float64 // total compressed / total original
}

func (s CacheStats) String() string {
	return fmt.Sprintf("%d entries, %s, hit rate %.1f%%, avg ratio %.2f",
		s.Entries, humanize.IBytes(uint64(s.Bytes)), s.HitRate, s.AverageRatio)
}

// Stats returns current usage.
func (c *ContentCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Entries: len(c.entries), Bytes: c.size, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	var orig, comp int64
	for _, e := range c.entries {
		orig += e.OriginalSize
		comp += e.CompressedSize
	}
	if orig > 0 {
		s.AverageRatio = float64(comp) / float64(orig)
	}
	return s
}

// Summary returns one human-readable line per entry, most recently
// created first.
func (c *ContentCache) Summary() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entries := make([]*CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s... %s %s -> %s (%.1f%%) hits=%d age=%s",
			e.Key[:16], e.Format,
			humanize.IBytes(uint64(e.OriginalSize)),
			humanize.IBytes(uint64(e.CompressedSize)),
			e.Ratio()*100, e.AccessCount,
			now.Sub(e.CreatedAt).Truncate(time.Second)))
	}
	return lines
}

// Clear drops every entry and resets the counters.
func (c *ContentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, freed := len(c.entries), c.size
	c.entries = make(map[string]*CacheEntry)
	c.size, c.hits, c.misses = 0, 0, 0
	c.logger.Debug("cache cleared", "entries", n, "freed", humanize.IBytes(uint64(freed)))
}

// Close stops the sweeper. The cache stays usable.
func (c *ContentCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}
