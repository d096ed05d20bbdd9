package governor

import "time"

// Clock supplies the current time. The governor only compares elapsed
// durations, so any monotonic-enough source works.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
