package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	var a Average
	assert.Equal(t, 0.0, a.Mean())

	for _, v := range []float64{100, 200, 300} {
		a.Add(v)
	}
	assert.Equal(t, int64(3), a.Size())
	assert.Equal(t, 200.0, a.Mean())
	assert.Equal(t, 600.0, a.Aggregate())
	assert.Equal(t, 100.0, a.Min())
	assert.Equal(t, 300.0, a.Max())

	a.Reset()
	assert.Equal(t, int64(0), a.Size())
	assert.Equal(t, 0.0, a.Mean())
}

// doneOfSize builds a Done download whose full response (headers included) is
// exactly size bytes, with a fixed 50ms response time.
func doneOfSize(t *testing.T, size, code int) *Download {
	t.Helper()
	head := fmt.Sprintf("HTTP/1.1 %d OK\r\n\r\n", code)
	require.GreaterOrEqual(t, size, len(head))
	d := completedDownload(t, head+strings.Repeat("x", size-len(head)))
	d.start.Store(0)
	d.stop.Store((50 * time.Millisecond).Nanoseconds())
	return d
}

func failedDownload(t *testing.T) *Download {
	t.Helper()
	d := NewDownload("example.org", 80, "/", nil)
	d.setStatus(StatusConnected)
	d.setStatus(StatusError)
	return d
}

func TestSinkAggregates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	sink, err := NewSink(path)
	require.NoError(t, err)

	sink.Record(doneOfSize(t, 100, 200))
	sink.Record(doneOfSize(t, 200, 200))
	sink.Record(doneOfSize(t, 300, 404))
	sink.RecordError(failedDownload(t))

	assert.Equal(t, int64(4), sink.Events())
	assert.Equal(t, int64(1), sink.Errors())

	snap := sink.Snapshot()
	assert.Equal(t, int64(4), snap.Events)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, int64(2), snap.Codes[200])
	assert.Equal(t, int64(1), snap.Codes[404])
	assert.Equal(t, int64(1), snap.Codes[0], "errors are tallied under code 0")

	// Error events count toward the totals but not the means.
	assert.Equal(t, 200.0, snap.MeanSizeBytes)
	assert.Equal(t, 50.0, snap.MeanRespTimeMs)
	assert.Equal(t, 600.0, snap.TotalBytes)
}

func TestSinkSnapshotIsACopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	sink, err := NewSink(path)
	require.NoError(t, err)
	defer sink.Close()

	sink.Record(doneOfSize(t, 100, 200))
	snap := sink.Snapshot()
	snap.Codes[200] = 999

	assert.Equal(t, int64(1), sink.Snapshot().Codes[200])
}

func TestSinkLogsZeroTimeForUnconnectedFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	sink, err := NewSink(path)
	require.NoError(t, err)

	d := NewDownload("example.org", 80, "/", nil)
	d.setStatus(StatusError) // dial failed, never connected
	sink.RecordError(d)
	sink.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "1\t0\t0\t0\n")
}

func TestSinkEventLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	sink, err := NewSink(path)
	require.NoError(t, err)

	sink.Record(doneOfSize(t, 120, 200))
	sink.RecordError(failedDownload(t))
	sink.Close()
	sink.Close() // idempotent

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "# Event no. HTTP code, resp. time, bytes")
	assert.Contains(t, text, "1\t200\t50\t120\n")
	assert.Contains(t, text, "2\t0\t")
	assert.Contains(t, text, "# Total responses 1")
	assert.Contains(t, text, "# Avg. file size (bytes) 120.000")
}
