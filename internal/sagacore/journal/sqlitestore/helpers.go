package sqlitestore

import (
	"strings"
	"time"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// isUniqueConstraintErr reports whether err came from violating the
// saga_dedupe PRIMARY KEY constraint. modernc.org/sqlite reports this as a
// *sqlite.Error whose message contains "UNIQUE constraint failed" — we
// match on the message rather than importing the driver's error type to
// keep this package decoupled from the driver's internal API surface.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
