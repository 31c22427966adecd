// Package assertx provides the fatal-invariant check used throughout this
// module for programming errors (category 1 in the error taxonomy):
// violated invariants such as resuming a Running fiber, or double-registering
// the same reactor interest. These are never recoverable at the call site,
// so like the original's ASSERT/ASSERT_WITH_MSG macros (macro.h), a failure
// logs at Fatal on the "system" logger and then panics.
package assertx

import (
	"fmt"

	"github.com/sfssa/fibernet/logging"
)

var sysLog = logging.Get("system")

// True panics with msg if cond is false.
func True(cond bool, msg string, args ...any) {
	if cond {
		return
	}
	formatted := fmt.Sprintf(msg, args...)
	sysLog.Fatal("assertion failed", nil, "detail", formatted)
	panic("assertion failed: " + formatted)
}
