package core

import (
	"fmt"
	"log"
)

// fatalf reports an impossible state -- a contract breach such as a DEAD
// message for a non-blocked task, or a queued task missing from every
// deque during Erase -- by logging the message and panicking. It does not
// dump scheduler state. These are
// never surfaced as errors to callers of Schedule: a scheduler cannot
// meaningfully degrade in the presence of a broken invariant.
func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("FATAL: %s", msg)
	panic(msg)
}
