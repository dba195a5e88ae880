package events

import "time"

func millisToUTC(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
