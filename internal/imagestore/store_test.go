package imagestore

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/observability/metrics"
)

func uniform(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func newTestStore(t *testing.T, cfg Config, descs ...Description) *Store {
	t.Helper()

	if len(descs) == 0 {
		descs = []Description{{Type: "thumb", Width: 8, Height: 8}}
	}
	s, err := Open(t.Context(), cfg, descs, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// Deterministic, strictly increasing access times.
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestOpenRejectsInvalidDescriptions(t *testing.T) {
	t.Parallel()

	_, err := Open(t.Context(), Config{}, nil, nil, nil)
	require.Error(t, err)

	var de *DescriptionError
	require.ErrorAs(t, err, &de)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newTestStore(t, Config{})

	key := NewKey("thumb", "https://example.com/a.png")
	stored, err := s.Put(ctx, key, "https://example.com/a.png", uniform(40, 20, color.RGBA{R: 255, A: 255}), ScaleToFill)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), stored.Bounds())

	img, src, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, src)
	assert.Equal(t, stored, img)

	// Drop the memory tier so the read comes from SQL.
	s.memory.Flush()
	img, src, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, src)
	assert.Equal(t, stored, img)
	assert.True(t, s.Exists(ctx, key))
}

func TestPutOverwritesExistingEntry(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newTestStore(t, Config{})

	key := NewKey("thumb", "https://example.com/a.png")
	_, err := s.Put(ctx, key, "https://example.com/a.png", uniform(8, 8, color.RGBA{R: 255, A: 255}), ScaleToFill)
	require.NoError(t, err)
	blue, err := s.Put(ctx, key, "https://example.com/a.png", uniform(8, 8, color.RGBA{B: 255, A: 255}), ScaleToFill)
	require.NoError(t, err)

	s.memory.Flush()
	img, _, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, blue, img)

	n, err := s.Count(ctx, "thumb")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Config{})

	_, src, err := s.Get(t.Context(), NewKey("thumb", "https://example.com/missing.png"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, SourceNone, src)
	assert.False(t, s.Exists(t.Context(), NewKey("thumb", "https://example.com/missing.png")))
}

func TestUnknownType(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newTestStore(t, Config{})
	key := NewKey("avatar", "https://example.com/a.png")

	_, _, err := s.Get(ctx, key)
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = s.Put(ctx, key, "https://example.com/a.png", uniform(2, 2, color.White), ScaleToFill)
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = s.Count(ctx, "avatar")
	require.ErrorIs(t, err, ErrUnknownType)

	assert.False(t, s.Exists(ctx, key))
}

func TestPutNilImage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Config{})

	_, err := s.Put(t.Context(), NewKey("thumb", "u"), "u", nil, ScaleToFill)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestCapacityEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewImageCacheMetrics(reg)
	require.NoError(t, err)

	s := newTestStore(t, Config{}, Description{Type: "thumb", Width: 4, Height: 4, MaxCount: 2})
	s.metrics = m

	a := NewKey("thumb", "https://example.com/a.png")
	b := NewKey("thumb", "https://example.com/b.png")
	c := NewKey("thumb", "https://example.com/c.png")
	img := uniform(4, 4, color.White)

	_, err = s.Put(ctx, a, "a", img, ScaleToFill)
	require.NoError(t, err)
	_, err = s.Put(ctx, b, "b", img, ScaleToFill)
	require.NoError(t, err)

	// Reading a from SQL refreshes its access time, leaving b the oldest.
	s.memory.Flush()
	_, src, err := s.Get(ctx, a)
	require.NoError(t, err)
	require.Equal(t, SourceStore, src)

	_, err = s.Put(ctx, c, "c", img, ScaleToFill)
	require.NoError(t, err)

	assert.True(t, s.Exists(ctx, a))
	assert.False(t, s.Exists(ctx, b))
	assert.True(t, s.Exists(ctx, c))

	n, err := s.Count(ctx, "thumb")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreEvictions.WithLabelValues("thumb")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.StoreEntries.WithLabelValues("thumb")), 0)
}

func TestCapacityIsPerType(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newTestStore(t, Config{},
		Description{Type: "thumb", Width: 4, Height: 4, MaxCount: 1},
		Description{Type: "icon", Width: 2, Height: 2, MaxCount: 1},
	)

	url := "https://example.com/a.png"
	_, err := s.Put(ctx, NewKey("thumb", url), url, uniform(4, 4, color.White), ScaleToFill)
	require.NoError(t, err)
	_, err = s.Put(ctx, NewKey("icon", url), url, uniform(4, 4, color.White), ScaleToFill)
	require.NoError(t, err)

	assert.True(t, s.Exists(ctx, NewKey("thumb", url)))
	assert.True(t, s.Exists(ctx, NewKey("icon", url)))
}

func TestPurge(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newTestStore(t, Config{})

	for _, u := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, NewKey("thumb", u), u, uniform(1, 1, color.White), ScaleToFill)
		require.NoError(t, err)
	}

	n, err := s.Purge(ctx, "thumb")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Zero(t, s.MemoryItems())
	assert.False(t, s.Exists(ctx, NewKey("thumb", "a")))
}

func TestChangedDescriptionIsMiss(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	cfg := Config{SQLitePath: filepath.Join(t.TempDir(), "images.db")}
	key := NewKey("thumb", "https://example.com/a.png")

	s, err := Open(ctx, cfg, []Description{{Type: "thumb", Width: 8, Height: 8}}, nil, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, key, "a", uniform(8, 8, color.White), ScaleToFill)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, cfg, []Description{{Type: "thumb", Width: 16, Height: 16}}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, _, err = s.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiskGuardRejectsWrites(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Config{Dir: t.TempDir(), MaxDiskUsage: 90})
	s.diskUsage = func(string) (float64, error) { return 95, nil }

	_, err := s.Put(t.Context(), NewKey("thumb", "a"), "a", uniform(1, 1, color.White), ScaleToFill)
	require.ErrorIs(t, err, ErrStorageFull)
	assert.True(t, errors.IsCategory(err, errors.CategoryDiskUsage))

	s.diskUsage = func(string) (float64, error) { return 50, nil }
	_, err = s.Put(t.Context(), NewKey("thumb", "a"), "a", uniform(1, 1, color.White), ScaleToFill)
	require.NoError(t, err)
}

func TestDiskGuardIgnoresProbeErrors(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Config{Dir: t.TempDir(), MaxDiskUsage: 90})
	s.diskUsage = func(string) (float64, error) { return 0, errors.NewStd("statfs failed") }

	_, err := s.Put(t.Context(), NewKey("thumb", "a"), "a", uniform(1, 1, color.White), ScaleToFill)
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		want        error
		unavailable bool
	}{
		{name: "sqlite full", err: sqlite3.Error{Code: sqlite3.ErrFull}, want: ErrStorageFull},
		{name: "sqlite corrupt", err: sqlite3.Error{Code: sqlite3.ErrCorrupt}, want: ErrStoreCorrupt, unavailable: true},
		{name: "sqlite not a database", err: sqlite3.Error{Code: sqlite3.ErrNotADB}, want: ErrStoreCorrupt, unavailable: true},
		{name: "mysql table full", err: &mysql.MySQLError{Number: 1114, Message: "The table is full"}, want: ErrStorageFull},
		{name: "mysql disk full", err: &mysql.MySQLError{Number: 1021, Message: "Disk full"}, want: ErrStorageFull},
		{name: "mysql other", err: &mysql.MySQLError{Number: 1045, Message: "Access denied"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t, Config{})

			got := s.classify(tt.err)
			if tt.want != nil {
				require.ErrorIs(t, got, tt.want)
			} else {
				assert.Equal(t, tt.err, got)
			}
			assert.Equal(t, !tt.unavailable, s.Available())
		})
	}
}

func TestUnavailableStoreMisses(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newTestStore(t, Config{})

	key := NewKey("thumb", "a")
	_, err := s.Put(ctx, key, "a", uniform(1, 1, color.White), ScaleToFill)
	require.NoError(t, err)

	s.classify(sqlite3.Error{Code: sqlite3.ErrCorrupt})
	s.memory.Flush()

	assert.False(t, s.Exists(ctx, key))
	_, _, err = s.Get(ctx, key)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Put(ctx, key, "a", uniform(1, 1, color.White), ScaleToFill)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestStorageDir(t *testing.T) {
	t.Parallel()

	assert.Empty(t, (&Config{SQLitePath: ":memory:"}).storageDir())
	assert.Empty(t, (&Config{Driver: DriverMySQL}).storageDir())
	assert.Equal(t, "/var/lib/imagecache", (&Config{SQLitePath: "/var/lib/imagecache/images.db"}).storageDir())
	assert.Equal(t, "/data", (&Config{Dir: "/data", SQLitePath: "/tmp/x.db"}).storageDir())
}

func TestUnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "postgres"}, []Description{{Type: "thumb", Width: 1, Height: 1}}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
