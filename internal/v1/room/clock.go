package room

import "time"

// Clock abstracts the monotonic time source so tests can drive turns
// deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewRealClock returns the wall clock.
func NewRealClock() Clock { return realClock{} }

func toMs(t time.Time) int64 {
	return t.UnixMilli()
}
