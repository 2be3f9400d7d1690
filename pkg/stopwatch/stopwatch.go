// Package stopwatch measures elapsed wall time for diagnostics logging.
package stopwatch

import "time"

// Stopwatch records a start instant. The zero value is not started; use Start.
type Stopwatch struct {
	start time.Time
	now   func() time.Time
}

// Start returns a running stopwatch.
func Start() Stopwatch {
	return StartWith(time.Now)
}

// StartWith returns a stopwatch reading time from now. Used by tests.
func StartWith(now func() time.Time) Stopwatch {
	return Stopwatch{start: now(), now: now}
}

// Elapsed returns the time since Start.
func (s Stopwatch) Elapsed() time.Duration {
	if s.now == nil {
		return 0
	}

	return s.now().Sub(s.start)
}

// Seconds returns the elapsed time in seconds.
func (s Stopwatch) Seconds() float64 {
	return s.Elapsed().Seconds()
}
