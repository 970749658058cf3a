package imagestore

import (
	"context"
	"fmt"
	"hash/maphash"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

// Sentinel errors. Returned errors wrap these and can be matched with errors.Is.
var (
	ErrNotFound      = errors.NewStd("image not found in store")
	ErrUnknownType   = errors.NewStd("unknown image type")
	ErrStorageFull   = errors.NewStd("image store storage is full")
	ErrStoreCorrupt  = errors.NewStd("image store database is corrupt")
	ErrUnavailable   = errors.NewStd("image store is unavailable")
	errFormatChanged = errors.NewStd("stored entry does not match the current description")
)

// MySQL server errors that mean the table or disk is full.
const (
	mysqlErrRecordFileFull = 1114
	mysqlErrDiskFull       = 1021
)

const (
	defaultMemoryTTL = 10 * time.Minute
	keyLockStripes   = 64
)

// Source tells where a stored image was read from.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceStore
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceStore:
		return "store"
	default:
		return "none"
	}
}

// Config configures the store backends.
type Config struct {
	Driver       string // DriverSQLite (default) or DriverMySQL
	SQLitePath   string // file path or ":memory:"
	MySQL        MySQLConfig
	Dir          string        // directory checked by the disk guard; defaults to the SQLite file's directory
	MemoryTTL    time.Duration // lifetime of memory tier entries; 0 means 10 minutes
	MaxDiskUsage float64       // refuse writes above this filesystem usage percent; 0 disables the guard
	SlowQuery    time.Duration // SQL statements slower than this are logged at warn
}

// Store is the two-tier fixed-format image cache.
type Store struct {
	cfg     Config
	descs   map[string]Description
	repo    *repository
	memory  *cache.Cache
	log     logger.Logger
	metrics *metrics.ImageCacheMetrics

	available atomic.Bool
	seed      maphash.Seed
	locks     [keyLockStripes]sync.Mutex

	now       func() time.Time
	diskUsage func(path string) (float64, error)
}

// Open validates descs, opens the SQL backend and creates the memory tier.
func Open(ctx context.Context, cfg Config, descs []Description, log logger.Logger, m *metrics.ImageCacheMetrics) (*Store, error) {
	if err := ValidateDescriptions(descs); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	log = log.Module("imagestore")

	if cfg.SQLitePath == "" && cfg.Driver != DriverMySQL {
		cfg.SQLitePath = ":memory:"
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = defaultMemoryTTL
	}

	db, err := openDB(ctx, &cfg, log)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		descs:     make(map[string]Description, len(descs)),
		repo:      &repository{db: db},
		memory:    cache.New(cfg.MemoryTTL, cfg.MemoryTTL*2),
		log:       log,
		metrics:   m,
		seed:      maphash.MakeSeed(),
		now:       time.Now,
		diskUsage: usedPercent,
	}
	for _, d := range descs {
		s.descs[d.Type] = d
	}
	s.available.Store(true)

	log.Info("image store opened",
		logger.String("driver", cfg.Driver),
		logger.Int("types", len(descs)),
		logger.Duration("memory_ttl", cfg.MemoryTTL))

	return s, nil
}

// Description returns the registered description of imageType.
func (s *Store) Description(imageType string) (Description, bool) {
	d, ok := s.descs[imageType]
	return d, ok
}

// Available reports whether the SQL tier is usable. It turns false after a
// corruption error and stays false for the lifetime of the store.
func (s *Store) Available() bool {
	return s.available.Load()
}

// Exists reports whether key is cached in either tier. Errors count as absent.
func (s *Store) Exists(ctx context.Context, key Key) bool {
	if _, ok := s.descs[key.Type]; !ok {
		return false
	}
	if _, ok := s.memory.Get(key.String()); ok {
		return true
	}
	if !s.available.Load() {
		return false
	}

	found, err := s.repo.exists(ctx, key)
	if err != nil {
		s.log.Warn("existence check failed", logger.String("key", key.String()), logger.Error(s.classify(err)))
		s.metrics.RecordStoreOperation(metrics.OpStoreExists, metrics.StatusError)
		return false
	}
	return found
}

// Get returns the stored image for key, already in its type's format.
// A missing entry returns an error wrapping ErrNotFound.
func (s *Store) Get(ctx context.Context, key Key) (image.Image, Source, error) {
	desc, ok := s.descs[key.Type]
	if !ok {
		return nil, SourceNone, s.unknownType(key.Type)
	}

	if v, ok := s.memory.Get(key.String()); ok {
		if img, ok := v.(image.Image); ok {
			return img, SourceMemory, nil
		}
	}

	if !s.available.Load() {
		return nil, SourceNone, ErrUnavailable
	}

	entry, err := s.repo.find(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordStoreOperation(metrics.OpStoreGet, metrics.StatusNotFound)
		return nil, SourceNone, err
	}
	if err != nil {
		s.metrics.RecordStoreOperation(metrics.OpStoreGet, metrics.StatusError)
		return nil, SourceNone, s.storageError("get", key, err)
	}

	if entry.Width != desc.Width || entry.Height != desc.Height || entry.Style != desc.Style {
		// The description changed since the entry was written; the next Put replaces it.
		s.log.Debug("stored entry has outdated format", logger.String("key", key.String()))
		return nil, SourceNone, fmt.Errorf("%w: %w", ErrNotFound, errFormatChanged)
	}

	img, err := decodePixels(entry.Pixels, entry.Width, entry.Height, entry.Style)
	if err != nil {
		s.metrics.RecordStoreOperation(metrics.OpStoreGet, metrics.StatusError)
		return nil, SourceNone, s.storageError("decode", key, err)
	}

	s.memory.Set(key.String(), img, cache.DefaultExpiration)
	if err := s.repo.touch(ctx, entry.ID, s.now()); err != nil {
		s.log.Debug("failed to update access time", logger.String("key", key.String()), logger.Error(err))
	}
	s.metrics.RecordStoreOperation(metrics.OpStoreGet, metrics.StatusSuccess)

	return img, SourceStore, nil
}

// Put formats img for key's type using mode, persists it and returns the
// stored image exactly as later Get calls will return it.
func (s *Store) Put(ctx context.Context, key Key, sourceURL string, img image.Image, mode ContentMode) (image.Image, error) {
	desc, ok := s.descs[key.Type]
	if !ok {
		return nil, s.unknownType(key.Type)
	}
	if img == nil {
		return nil, errors.Newf("cannot store a nil image").
			Component("imagestore").
			Category(errors.CategoryValidation).
			Context("type", key.Type).
			Build()
	}

	stored, pixels, err := render(img, desc, mode)
	if err != nil {
		return nil, s.storageError("encode", key, err)
	}

	if !s.available.Load() {
		return nil, ErrUnavailable
	}
	if err := s.checkDiskUsage(); err != nil {
		s.metrics.RecordStoreOperation(metrics.OpStorePut, metrics.StatusFull)
		return nil, err
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	entry := &Entry{
		ImageType:  key.Type,
		EntityID:   key.Entity.String(),
		SourceURL:  sourceURL,
		Width:      desc.Width,
		Height:     desc.Height,
		Style:      desc.Style,
		Pixels:     pixels,
		CachedAt:   now,
		AccessedAt: now,
	}
	if err := s.repo.upsert(ctx, entry); err != nil {
		err = s.storageError("put", key, err)
		status := metrics.StatusError
		if errors.Is(err, ErrStorageFull) {
			status = metrics.StatusFull
		}
		s.metrics.RecordStoreOperation(metrics.OpStorePut, status)
		return nil, err
	}
	s.memory.Set(key.String(), stored, cache.DefaultExpiration)
	s.metrics.RecordStoreOperation(metrics.OpStorePut, metrics.StatusSuccess)

	s.enforceCapacity(ctx, desc)

	return stored, nil
}

// enforceCapacity evicts the least recently accessed entries above the
// type's capacity. Failures are logged; the write itself already succeeded.
func (s *Store) enforceCapacity(ctx context.Context, desc Description) {
	evicted, remaining, err := s.repo.evictOverflow(ctx, desc.Type, desc.Capacity())
	if err != nil {
		s.log.Warn("capacity enforcement failed",
			logger.String("type", desc.Type),
			logger.Error(s.classify(err)))
		s.metrics.RecordStoreOperation(metrics.OpStoreEvict, metrics.StatusError)
		return
	}

	for _, entity := range evicted {
		s.memory.Delete(desc.Type + "/" + entity)
	}
	if len(evicted) > 0 {
		s.log.Debug("evicted entries",
			logger.String("type", desc.Type),
			logger.Int("count", len(evicted)))
		s.metrics.RecordEvictions(desc.Type, len(evicted))
	}
	s.metrics.SetStoreEntries(desc.Type, remaining)
}

// Count returns the number of persisted entries of imageType.
func (s *Store) Count(ctx context.Context, imageType string) (int64, error) {
	if _, ok := s.descs[imageType]; !ok {
		return 0, s.unknownType(imageType)
	}
	n, err := s.repo.count(ctx, imageType)
	if err != nil {
		return 0, s.classify(err)
	}
	return n, nil
}

// Purge removes every entry of imageType from both tiers.
func (s *Store) Purge(ctx context.Context, imageType string) (int64, error) {
	if _, ok := s.descs[imageType]; !ok {
		return 0, s.unknownType(imageType)
	}

	prefix := imageType + "/"
	for k := range s.memory.Items() {
		if strings.HasPrefix(k, prefix) {
			s.memory.Delete(k)
		}
	}

	n, err := s.repo.purge(ctx, imageType)
	if err != nil {
		return 0, s.classify(err)
	}
	s.metrics.SetStoreEntries(imageType, 0)
	return n, nil
}

// MemoryItems returns the number of entries in the memory tier.
func (s *Store) MemoryItems() int {
	return s.memory.ItemCount()
}

// Close flushes the memory tier and closes the database.
func (s *Store) Close() error {
	s.memory.Flush()
	return s.repo.close()
}

func (s *Store) lockFor(key Key) *sync.Mutex {
	h := maphash.String(s.seed, key.String())
	return &s.locks[h%keyLockStripes]
}

func (s *Store) unknownType(imageType string) error {
	return errors.New(fmt.Errorf("%w: %q", ErrUnknownType, imageType)).
		Component("imagestore").
		Category(errors.CategoryNotFound).
		Context("type", imageType).
		Build()
}

func (s *Store) checkDiskUsage() error {
	dir := s.cfg.storageDir()
	if s.cfg.MaxDiskUsage <= 0 || dir == "" {
		return nil
	}

	used, err := s.diskUsage(dir)
	if err != nil {
		// Can't tell; let the database report a real failure.
		s.log.Debug("disk usage check failed", logger.Error(err))
		return nil
	}
	if used < s.cfg.MaxDiskUsage {
		return nil
	}

	return errors.New(fmt.Errorf("%w: %.1f%% used, limit %.1f%%", ErrStorageFull, used, s.cfg.MaxDiskUsage)).
		Component("imagestore").
		Category(errors.CategoryDiskUsage).
		Context("used_percent", used).
		Build()
}

func usedPercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// classify maps driver errors onto the store sentinels. A corrupt database
// marks the store unavailable.
func (s *Store) classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("%w: %w", ErrStorageFull, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			if s.available.CompareAndSwap(true, false) {
				s.log.Error("store database is corrupt, falling back to memory only", logger.Error(err))
			}
			return fmt.Errorf("%w: %w", ErrStoreCorrupt, err)
		}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrRecordFileFull, mysqlErrDiskFull:
			return fmt.Errorf("%w: %w", ErrStorageFull, err)
		}
	}

	return err
}

func (s *Store) storageError(op string, key Key, err error) error {
	err = s.classify(err)
	category := errors.CategoryDatabase
	if errors.Is(err, ErrStorageFull) {
		category = errors.CategoryDiskUsage
	}
	return errors.New(err).
		Component("imagestore").
		Category(category).
		Context("operation", op).
		Context("type", key.Type).
		Build()
}
