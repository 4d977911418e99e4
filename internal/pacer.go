package internal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/strafehq/strafe/utils"
)

// ErrReleased rejects submissions to an engine that has been released. Lives
// here rather than in the platform-specific reactor file so the portable code
// paths (and their tests) can match on it anywhere.
var ErrReleased = errors.New("reactor already released")

// Submitter accepts downloads for execution. *Reactor implements it; tests
// substitute a recording fake.
type Submitter interface {
	Submit(d *Download) error
}

// PacerConfig configures the pacing controller.
type PacerConfig struct {
	Host  string
	Port  int
	Paths []string

	// Rate is the stationary arrival rate in requests per second, used by
	// Run. SCV is the squared coefficient of variation of the interarrival
	// times; 1 (the default) selects a memoryless exponential process.
	Rate float64
	SCV  float64

	// Schedule holds one arrival rate per Bucket of elapsed wall-clock time,
	// used by RunTrace. The run stops when the schedule is exhausted.
	Schedule []float64
	Bucket   time.Duration

	// MaxRate, when positive, caps the effective submission rate. The
	// arrival process stays open-loop; this is an operator guard rail
	// against mistyped rates, not backpressure.
	MaxRate float64

	// Seed fixes the PRNG for reproducible runs; 0 seeds from the clock.
	Seed int64

	// Listener, when non-nil, is attached to every submitted download.
	Listener Listener
}

// Pacer drives an open-loop arrival process: the timing of each submission
// depends only on the configured interarrival distribution and wall-clock
// time, never on completion of earlier downloads. It runs on the caller's
// goroutine.
type Pacer struct {
	cfg       PacerConfig
	scv       float64
	submitter Submitter
	metrics   *Metrics
	log       zerolog.Logger

	rng     *rand.Rand
	deviate *Deviate
	limiter *rate.Limiter

	requests atomic.Int64
	start    time.Time

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPacer wires a pacing controller to a submitter. metrics may be nil.
func NewPacer(cfg PacerConfig, s Submitter, metrics *Metrics) *Pacer {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	scv := cfg.SCV
	if scv == 0 {
		scv = 1
	}
	rng := rand.New(rand.NewSource(seed))
	p := &Pacer{
		cfg:       cfg,
		scv:       scv,
		submitter: s,
		metrics:   metrics,
		log:       utils.GetLogger("pacer"),
		rng:       rng,
		deviate:   NewDeviate(1000, scv, rng),
		stopCh:    make(chan struct{}),
	}
	if cfg.MaxRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), 1)
	}
	return p
}

// Run drives the stationary arrival process until Stop is called or ctx is
// cancelled. It logs the observed arrival rate once a minute.
func (p *Pacer) Run(ctx context.Context) error {
	if p.cfg.Rate <= 0 {
		return fmt.Errorf("arrival rate must be positive, got %f", p.cfg.Rate)
	}
	if len(p.cfg.Paths) == 0 {
		return fmt.Errorf("no request paths configured")
	}
	p.deviate.Set(1000/p.cfg.Rate, p.scv)
	p.start = time.Now()
	p.log.Info().Float64("rate", p.cfg.Rate).Float64("scv", p.scv).Msg("Pacing loop starting")

	nextLogAt := p.start.Add(time.Minute)
	var requestsMinute int64
	for p.running(ctx) {
		now := time.Now()
		if now.After(nextLogAt) {
			p.log.Info().Float64("arrRate", float64(requestsMinute)/60.0).Msg("Arrival rate last minute")
			requestsMinute = 0
			nextLogAt = now.Add(time.Minute)
		}
		if !p.submitNext(ctx) {
			break
		}
		requestsMinute++
		gap := time.Duration(p.deviate.Next() * float64(time.Millisecond))
		p.sleepUntil(ctx, now.Add(gap))
	}
	p.log.Info().Int64("requests", p.requests.Load()).Msg("Pacing loop exiting")
	return nil
}

// RunTrace drives a time-varying arrival process: every Bucket of elapsed
// wall-clock time it advances to the next configured rate, regenerating the
// interarrival generator with the new mean while keeping the configured SCV.
// The run stops on its own once the schedule is exhausted.
func (p *Pacer) RunTrace(ctx context.Context) error {
	rates := p.cfg.Schedule
	if len(rates) == 0 {
		return fmt.Errorf("empty rate schedule")
	}
	if len(p.cfg.Paths) == 0 {
		return fmt.Errorf("no request paths configured")
	}
	bucket := p.cfg.Bucket
	if bucket <= 0 {
		bucket = time.Hour
	}
	idx := 0
	p.deviate.Set(1000/rates[idx], p.scv)
	p.start = time.Now()
	changeAt := p.start.Add(bucket)
	p.log.Info().Float64("rate", rates[idx]).Int("buckets", len(rates)).Dur("bucket", bucket).Msg("Trace pacing starting")

	var requestsBucket int64
	for p.running(ctx) {
		now := time.Now()
		if now.After(changeAt) {
			p.log.Info().Float64("arrRate", float64(requestsBucket)/bucket.Seconds()).Msg("Arrival rate last bucket")
			if idx == len(rates)-1 {
				p.log.Info().Msg("Rate schedule exhausted")
				break
			}
			idx++
			p.deviate.Set(1000/rates[idx], p.scv)
			changeAt = changeAt.Add(bucket)
			requestsBucket = 0
			p.log.Info().Float64("rate", rates[idx]).Int("bucket", idx).Msg("Rate changed")
		}
		if !p.submitNext(ctx) {
			break
		}
		requestsBucket++
		gap := time.Duration(p.deviate.Next() * float64(time.Millisecond))
		p.sleepUntil(ctx, now.Add(gap))
	}
	p.log.Info().Int64("requests", p.requests.Load()).Msg("Trace pacing exiting")
	return nil
}

// Stop makes the pacing loop exit at its next check. Idempotent and safe
// from any goroutine; typically wired to the process shutdown path.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// Requests is the number of submissions issued so far.
func (p *Pacer) Requests() int64 { return p.requests.Load() }

// Elapsed is the wall-clock time since pacing started.
func (p *Pacer) Elapsed() time.Duration {
	if p.start.IsZero() {
		return 0
	}
	return time.Since(p.start)
}

func (p *Pacer) running(ctx context.Context) bool {
	return !p.stopped.Load() && ctx.Err() == nil
}

// submitNext fires exactly one download at a uniformly chosen path. Returns
// false when the pacer should stop (reactor released or rate wait aborted).
func (p *Pacer) submitNext(ctx context.Context) bool {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return false
		}
	}
	path := p.cfg.Paths[p.rng.Intn(len(p.cfg.Paths))]
	d := NewDownload(p.cfg.Host, p.cfg.Port, path, p.cfg.Listener)
	if err := p.submitter.Submit(d); err != nil {
		p.log.Warn().Err(err).Msg("Submission rejected, stopping pacer")
		p.Stop()
		return false
	}
	p.requests.Add(1)
	if p.metrics != nil {
		p.metrics.RecordSubmit()
	}
	return true
}

// sleepUntil sleeps to an absolute deadline, compensating for loop overhead:
// the remaining duration is recomputed after every wake so early returns
// never shift subsequent submissions earlier.
func (p *Pacer) sleepUntil(ctx context.Context, deadline time.Time) {
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-p.stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// Report is the final run summary derived from the pacer's own counters and
// a sink snapshot.
type Report struct {
	Requests       int64
	Responses      int64
	Errors         int64
	Elapsed        time.Duration
	ArrivalRate    float64
	Throughput     float64
	ThroughputKBps float64
	MeanRespTimeMs float64
	Codes          map[int]int64
}

// BuildReport computes the shutdown report the way the operator reads it:
// arrival rate from submissions, throughput from recorded events.
func (p *Pacer) BuildReport(snap SinkSnapshot) Report {
	elapsed := p.Elapsed()
	secs := elapsed.Seconds()
	r := Report{
		Requests:       p.requests.Load(),
		Responses:      snap.Events,
		Errors:         snap.Errors,
		Elapsed:        elapsed,
		MeanRespTimeMs: snap.MeanRespTimeMs,
		Codes:          snap.Codes,
	}
	if secs > 0 {
		r.ArrivalRate = float64(r.Requests) / secs
		r.Throughput = float64(r.Responses) / secs
		r.ThroughputKBps = snap.TotalBytes / (secs * 1024)
	}
	return r
}
