package executor

import (
	"strings"
	"time"
)

func now() time.Time { return time.Now() }

// shellQuote wraps s in single quotes for interpolation into a "sh -lc"
// command string, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
