package internal

import (
	"math"
	"math/rand"
)

// RDG produces successive random inter-event gaps from a configured
// distribution. Implementations are driven by an injected *rand.Rand so runs
// are reproducible under a fixed seed.
type RDG interface {
	Next() float64
	Mean() float64
	SCV() float64
}

// ExponentialRDG draws from an exponential distribution with the given mean,
// i.e. a memoryless arrival process (SCV 1).
type ExponentialRDG struct {
	mean float64
	rng  *rand.Rand
}

func NewExponentialRDG(mean float64, rng *rand.Rand) *ExponentialRDG {
	return &ExponentialRDG{mean: mean, rng: rng}
}

func (e *ExponentialRDG) Next() float64 {
	return -e.mean * math.Log(1-e.rng.Float64())
}

func (e *ExponentialRDG) Mean() float64 { return e.mean }

func (e *ExponentialRDG) SCV() float64 { return 1 }

// LogNormalRDG draws from a log-normal distribution parameterized by its mean
// and squared coefficient of variation. Normal variates come from the
// Box-Muller transform; each uniform pair yields two deviates, the second is
// cached.
type LogNormalRDG struct {
	mean  float64
	scv   float64
	mu    float64
	sigma float64
	rng   *rand.Rand

	u, v   float64
	cached bool
}

func NewLogNormalRDG(mean, scv float64, rng *rand.Rand) *LogNormalRDG {
	sigma2 := math.Log(scv + 1)
	return &LogNormalRDG{
		mean:  mean,
		scv:   scv,
		mu:    math.Log(mean) - sigma2/2,
		sigma: math.Sqrt(sigma2),
		rng:   rng,
	}
}

func (l *LogNormalRDG) Next() float64 {
	if l.cached {
		l.cached = false
		y := math.Sqrt(-2*math.Log(l.u)) * math.Sin(2*math.Pi*l.v)
		return math.Exp(l.mu + l.sigma*y)
	}
	l.u = 1 - l.rng.Float64() // avoid log(0)
	l.v = l.rng.Float64()
	l.cached = true
	x := math.Sqrt(-2*math.Log(l.u)) * math.Cos(2*math.Pi*l.v)
	return math.Exp(l.mu + l.sigma*x)
}

func (l *LogNormalRDG) Mean() float64 { return l.mean }

func (l *LogNormalRDG) SCV() float64 { return l.scv }

// Deviate generates interarrival gaps, selecting the underlying distribution
// from the squared coefficient of variation: exponential when SCV is 1,
// log-normal otherwise. Set swaps the parameters in place, which the schedule
// pacer uses on every rate-bucket boundary.
type Deviate struct {
	rdg RDG
	rng *rand.Rand
}

func NewDeviate(mean, scv float64, rng *rand.Rand) *Deviate {
	d := &Deviate{rng: rng}
	d.Set(mean, scv)
	return d
}

func (d *Deviate) Next() float64 { return d.rdg.Next() }

func (d *Deviate) Mean() float64 { return d.rdg.Mean() }

func (d *Deviate) SCV() float64 { return d.rdg.SCV() }

func (d *Deviate) Set(mean, scv float64) {
	if scv == 1 {
		d.rdg = NewExponentialRDG(mean, d.rng)
	} else {
		d.rdg = NewLogNormalRDG(mean, scv, d.rng)
	}
}
