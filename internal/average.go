package internal

// Average is an O(1) accumulator for count, sum, mean, min and max. No
// samples are retained. It is not safe for concurrent use; the stats sink
// guards it with its own lock.
type Average struct {
	count     int64
	aggregate float64
	min       float64
	max       float64
}

func (a *Average) Add(v float64) {
	a.count++
	a.aggregate += v
	if a.count == 1 {
		a.min = v
		a.max = v
		return
	}
	if v > a.max {
		a.max = v
	}
	if v < a.min {
		a.min = v
	}
}

func (a *Average) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.aggregate / float64(a.count)
}

func (a *Average) Size() int64 { return a.count }

func (a *Average) Aggregate() float64 { return a.aggregate }

func (a *Average) Min() float64 { return a.min }

func (a *Average) Max() float64 { return a.max }

func (a *Average) Reset() { *a = Average{} }
