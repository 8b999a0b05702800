package checkpoint

import "time"

// throughput tracks record times in a bounded window.
type throughput struct {
	windowSize int
	times      []time.Time
}

func newThroughput(windowSize int) *throughput {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &throughput{
		windowSize: windowSize,
		times:      make([]time.Time, 0, windowSize),
	}
}

func (t *throughput) record(at time.Time) {
	if len(t.times) >= t.windowSize {
		// Shift elements left, drop oldest
		copy(t.times, t.times[1:])
		t.times[len(t.times)-1] = at
	} else {
		t.times = append(t.times, at)
	}
}

// rate returns items per second across the window.
func (t *throughput) rate() float64 {
	if len(t.times) < 2 {
		return 0
	}
	d := t.times[len(t.times)-1].Sub(t.times[0])
	if d <= 0 {
		return 0
	}
	return float64(len(t.times)-1) / d.Seconds()
}
