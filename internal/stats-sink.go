package internal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/strafehq/strafe/utils"
)

// Sink aggregates terminal downloads and appends one record per event to a
// log file. All mutation happens on the reactor goroutine; Snapshot may be
// called concurrently from a reporting goroutine and copies the aggregates
// under a short-held lock instead of blocking the reactor on reads.
type Sink struct {
	log zerolog.Logger

	file *os.File
	w    *bufio.Writer

	events atomic.Int64
	errors atomic.Int64

	mu        sync.Mutex
	codes     map[int]int64
	respTimes Average
	sizes     Average

	metrics *Metrics

	closeOnce sync.Once
}

// SinkSnapshot is a point-in-time copy of the sink's aggregates.
type SinkSnapshot struct {
	Events         int64
	Errors         int64
	Codes          map[int]int64
	MeanRespTimeMs float64
	MeanSizeBytes  float64
	TotalBytes     float64
}

// NewSink creates the sink and its event log file, truncating any previous
// one at the same path.
func NewSink(path string) (*Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating event log %s: %v", path, err)
	}
	s := &Sink{
		log:   utils.GetLogger("stats"),
		file:  file,
		w:     bufio.NewWriterSize(file, 4096),
		codes: make(map[int]int64),
	}
	fmt.Fprintf(s.w, "# File created on %s\n", time.Now().Format(time.RFC1123))
	fmt.Fprintln(s.w, "# Event no. HTTP code, resp. time, bytes")
	return s, nil
}

// SetMetrics attaches an optional prometheus exporter; every recorded event
// is mirrored into it.
func (s *Sink) SetMetrics(m *Metrics) { s.metrics = m }

// Record logs a Done download.
func (s *Sink) Record(d *Download) {
	s.record(d)
}

// RecordError logs an Error download. It counts toward the error tally and
// the total event count, but never toward the time or size means.
func (s *Sink) RecordError(d *Download) {
	s.errors.Add(1)
	s.record(d)
}

func (s *Sink) record(d *Download) {
	seq := s.events.Add(1)
	code := 0
	if c, err := d.HTTPStatus(); err == nil {
		code = c
	}
	respMs := d.ResponseTime().Milliseconds()
	bytes := d.DataLen()
	fmt.Fprintf(s.w, "%d\t%d\t%d\t%d\n", seq, code, respMs, bytes)

	s.mu.Lock()
	s.codes[code]++
	if d.Status() == StatusDone {
		s.respTimes.Add(float64(respMs))
		s.sizes.Add(float64(bytes))
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.observe(d, code)
	}
}

// Events is the total number of recorded events, errors included.
func (s *Sink) Events() int64 { return s.events.Load() }

// Errors is the number of recorded Error downloads.
func (s *Sink) Errors() int64 { return s.errors.Load() }

// Snapshot copies the aggregates, including the per-status-code counts.
func (s *Sink) Snapshot() SinkSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make(map[int]int64, len(s.codes))
	for k, v := range s.codes {
		codes[k] = v
	}
	return SinkSnapshot{
		Events:         s.events.Load(),
		Errors:         s.errors.Load(),
		Codes:          codes,
		MeanRespTimeMs: s.respTimes.Mean(),
		MeanSizeBytes:  s.sizes.Mean(),
		TotalBytes:     s.sizes.Aggregate(),
	}
}

// Close appends the human-readable trailer, flushes the event log and closes
// the file. Idempotent.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		responses := s.respTimes.Size()
		meanResp := s.respTimes.Mean()
		meanSize := s.sizes.Mean()
		s.mu.Unlock()
		if responses > 0 {
			fmt.Fprintf(s.w, "# Total responses %d\n", responses)
			fmt.Fprintf(s.w, "# Avg. resp. time (ms) %.3f\n", meanResp)
			fmt.Fprintf(s.w, "# Avg. file size (bytes) %.3f\n", meanSize)
		}
		if err := s.w.Flush(); err != nil {
			s.log.Error().Err(err).Msg("Error flushing event log")
		}
		s.file.Sync()
		if err := s.file.Close(); err != nil {
			s.log.Error().Err(err).Msg("Error closing event log")
		}
		s.log.Info().Float64("avgRespTimeMs", meanResp).Int64("responses", responses).Msg("Event log closed")
	})
}
