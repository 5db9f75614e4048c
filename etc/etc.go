package etc

import (
	"math"
	"time"

	"github.com/nrednav/cuid2"
)

func NewFreshID() string {
	return cuid2.Generate()
}

// Truncate shortens s to at most n runes, appending an ellipsis when
// anything was cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}

// Julian date for the Unix epoch (January 1, 1970).
const julianEpoch = 2440587.5

func JulianDayToTime(f float64) time.Time {
	unixTime := (f - julianEpoch) * 86400.0
	return time.Unix(
		int64(unixTime),
		int64((unixTime-math.Floor(unixTime))*1e9),
	)
}

func TimeToJulianDay(t time.Time) float64 {
	return float64(t.UnixNano())/1e9/86400.0 + julianEpoch
}
