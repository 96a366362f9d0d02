package build

import "github.com/raulk/clock"

// Clock is the global clock for the system. In standard builds,
// we use the real clock. In tests, we can replace this variable with
// clock.NewMock(). Always use real time for socket/stream deadlines.
var Clock = clock.New()
