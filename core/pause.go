package core

import "runtime"

// pause yields the current goroutine's timeslice, the Go analogue of a
// spin-pause instruction used while waiting out the switch-to race.
func pause() { runtime.Gosched() }
