package scheduler

import "time"

// Clock supplies wall-clock time. All scheduler comparisons happen in UTC;
// tests may substitute a fixed or offset clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real wall clock, normalized to UTC.
func SystemClock() Clock { return systemClock{} }
