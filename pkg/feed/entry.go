package feed

import (
	"strings"
	"time"
)

// Entry is a single item from the polled feed. GUID is the dedup identity;
// two entries with the same GUID are the same flight regardless of the rest.
type Entry struct {
	GUID      string
	Title     string
	Link      string
	Summary   string
	Published time.Time
}

// Pilot extracts the XContest pilot username from the flight detail link,
// e.g. "https://www.xcontest.org/world/en/flights/detail:Filipo/21.04.2019/07:57"
// yields "Filipo". Returns empty string if the link doesn't follow that shape.
func (e Entry) Pilot() string {
	for _, part := range strings.Split(e.Link, "/") {
		if rest, ok := strings.CutPrefix(part, "detail:"); ok {
			return rest
		}
	}
	return ""
}
