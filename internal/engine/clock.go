package engine

import "time"

// Clock supplies the current time for openedAt stamps, staleness checks
// and duration analytics. Tests substitute a fixed clock to exercise the
// staleness boundary exactly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
