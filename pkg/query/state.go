package query

import (
	"fmt"
	"time"
)

type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

var statusNames = [...]string{"idle", "loading", "success", "error"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of one cache entry.
type State struct {
	Data    any
	HasData bool
	Err     error
	Status  Status

	FetchedAt time.Time
	StaleAt   time.Time
	ExpiresAt time.Time

	// Invalidated is set by Invalidate until the next successful fetch.
	Invalidated bool

	// Fetching reports a fetch in flight.
	Fetching bool
}

// Stale reports whether a read at now would refetch.
func (s State) Stale(now time.Time) bool {
	return s.Status != StatusSuccess || s.Invalidated || now.After(s.StaleAt)
}
