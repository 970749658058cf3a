package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestModuleLevels(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	cl, err := newCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: true, Level: "trace"},
		ModuleLevels: map[string]string{"imagestore": "debug"},
	}, buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	cl.Module("imagecache").Debug("hidden")
	cl.Module("imagestore").Debug("shown", Int("rows", 3))
	cl.Module("imagestore").Trace("also hidden")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "DEBUG [imagestore] shown rows=3")
}

func TestSubModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelDebug, time.UTC).Module("imagecache").Module("dispatch")
	log = log.With(String("type", "thumb"))

	ctx := WithTraceID(context.Background(), "req-1")
	log.WithContext(ctx).Info("delivered", Duration("elapsed", 1500*time.Millisecond), Error(nil))

	out := buf.String()
	assert.Contains(t, out, "[imagecache.dispatch] delivered")
	assert.Contains(t, out, "type=thumb")
	assert.Contains(t, out, "trace_id=req-1")
	assert.Contains(t, out, "elapsed=1.5s")
	assert.Contains(t, out, "error=<nil>")
}

func TestFileOutputJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	cl, err := newCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path},
	}, &bytes.Buffer{})
	require.NoError(t, err)

	cl.Module("downloader").Warn("retrying", Int("attempt", 2), Float64("ratio", 0.123456))
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "downloader", entry["module"])
	assert.Equal(t, "retrying", entry["msg"])
	assert.InDelta(t, 2, entry["attempt"], 0)
	assert.InDelta(t, 0.123, entry["ratio"], 0.0001)
}

func TestInvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = NewCentralLogger(nil)
	require.Error(t, err)
}

func TestGormLoggerAdapter(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	adapter := NewGormLoggerAdapter(NewSlogLogger(buf, LogLevelTrace, time.UTC), 50*time.Millisecond)
	sql := func() (string, int64) { return "SELECT 1", 1 }

	adapter.Trace(context.Background(), time.Now(), sql, nil)
	adapter.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	adapter.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)
	adapter.Trace(context.Background(), time.Now(), sql, fmt.Errorf("disk I/O error"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "TRACE"))
	assert.Contains(t, lines[1], "slow query")
	assert.True(t, strings.HasPrefix(lines[2], "TRACE"), "record-not-found is not an error")
	assert.Contains(t, lines[3], "query error")
}
