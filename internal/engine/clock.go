package engine

import "time"

// Clock abstracts time for deterministic scheduling and planning.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }
