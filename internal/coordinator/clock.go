package coordinator

import (
	"time"

	"github.com/manpreetbhatti/arena/internal/room"
)

// Clock schedules the room timers. Production uses the wall clock; tests
// drive a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) room.Timer
}

type wallClock struct{}

// WallClock returns a Clock backed by the time package.
func WallClock() Clock { return wallClock{} }

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) room.Timer {
	return time.AfterFunc(d, f)
}
