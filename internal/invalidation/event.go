// Package invalidation consumes cache reset signals from Kafka and applies
// them to the query service.
package invalidation

import (
	"errors"
	"strings"
	"time"
)

// ResetEvent asks every instance to drop its caches. Version is
// monotonically increasing per Source; replays and older versions are
// ignored.
type ResetEvent struct {
	Version uint64    `json:"version"`
	Source  string    `json:"source"`
	Reason  string    `json:"reason,omitempty"`
	TS      time.Time `json:"ts"`
}

func (e ResetEvent) Validate() error {
	if e.Version == 0 {
		return errors.New("version must be > 0")
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}
