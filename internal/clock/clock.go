// Package clock provides the nanosecond wall clock used for frame
// timestamps, plus helpers for rendering them.
package clock

import "time"

// Clock yields nanoseconds since the epoch. Injected so tests can drive
// time deterministically.
type Clock interface {
	Now() int64
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() int64 { return time.Now().UnixNano() }

// Now is the package-level shortcut for the common case.
func Now() int64 { return time.Now().UnixNano() }

// Format renders a nanosecond timestamp for logs and CLI output.
func Format(ns int64) string {
	if ns <= 0 {
		return "-"
	}
	return time.Unix(0, ns).Format("2006-01-02 15:04:05.000000000")
}
