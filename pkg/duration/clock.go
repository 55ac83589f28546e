package duration

import (
	"math/rand"
	"os"
	"time"
)

// TimeshiftEnv names the environment variable that, when set to a
// YYYYMMDDHHMMSS literal, pins Now to that instant.
const TimeshiftEnv = "ZONEKEEPER_TIMESHIFT"

const timeshiftLayout = "20060102150405"

// leapThreshold is the wall-vs-monotonic divergence beyond which the clock
// is considered to have leaped.
const leapThreshold = 60 * time.Second

// processStart carries both the wall and monotonic readings taken at
// package initialization. Round(0) strips the monotonic part so the two
// elapsed values can be compared independently.
var processStart = time.Now()

// Now returns the current time in seconds since the Unix epoch, honoring
// the timeshift override.
func Now() int64 {
	if env := os.Getenv(TimeshiftEnv); env != "" {
		if t, err := time.Parse(timeshiftLayout, env); err == nil {
			return t.Unix()
		}
	}
	return time.Now().Unix()
}

// Leaped reports whether the wall clock has stepped since process start.
// It is also true whenever the timeshift override is active, so tests that
// pin the clock never sit in long condition waits.
func Leaped() bool {
	if os.Getenv(TimeshiftEnv) != "" {
		return true
	}
	monoElapsed := time.Since(processStart)
	wallElapsed := time.Now().Round(0).Sub(processStart.Round(0))
	diff := wallElapsed - monoElapsed
	if diff < 0 {
		diff = -diff
	}
	return diff > leapThreshold
}

// Rand returns a uniformly distributed instant in [0, mod].
func Rand(mod int64) int64 {
	if mod <= 0 {
		return 0
	}
	return rand.Int63n(mod + 1)
}

// Datestamp formats the given instant (or Now when t is zero) using the
// supplied time layout and returns both the numeric interpretation of the
// stamp and its string form. The numeric value is only meaningful for
// layouts whose leading digits fit in 32 bits, such as "20060102".
func Datestamp(t int64, layout string) (uint32, string) {
	if t == 0 {
		t = Now()
	}
	s := time.Unix(t, 0).Local().Format(layout)
	var n uint32
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint32(c-'0')
	}
	return n, s
}
