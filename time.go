package snet

import "time"

// The protocol clock is a free-running 32-bit millisecond counter.
// Comparisons are modular with a 24-hour overflow window, so the counter
// may wrap without upsetting timeouts as long as no two compared times are
// more than a day apart.
const timeOverflow = 86400000

func timeLess(a, b uint32) bool         { return a-b >= timeOverflow }
func timeGreaterEqual(a, b uint32) bool { return !timeLess(a, b) }

func timeDifference(a, b uint32) uint32 {
	if a-b >= timeOverflow {
		return b - a
	}
	return a - b
}

var timeBase = time.Now()

// timeGet returns the current protocol time in milliseconds.
func timeGet() uint32 {
	return uint32(time.Since(timeBase) / time.Millisecond)
}
