package policysync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OnError selects what a sync does when an upsert fails.
type OnError int

const (
	// AbortRemaining stops at the first failing upsert. Records upserted
	// before the failure stay committed.
	AbortRemaining OnError = iota
	// ContinueBestEffort records the failure and carries on with the
	// remaining records.
	ContinueBestEffort
)

func (o OnError) String() string {
	switch o {
	case AbortRemaining:
		return "abort"
	case ContinueBestEffort:
		return "continue"
	default:
		return fmt.Sprintf("OnError(%d)", int(o))
	}
}

// ParseOnError parses "abort" or "continue".
func ParseOnError(s string) (OnError, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return AbortRemaining, nil
	case "continue", "best-effort":
		return ContinueBestEffort, nil
	default:
		return 0, fmt.Errorf("unknown sync error mode %q (want abort or continue)", s)
	}
}

// Status values reported by Result.Status.
const (
	StatusOK      = "ok"
	StatusOffline = "offline"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Result describes one SyncFromNetwork run.
type Result struct {
	Collection string
	// Skipped is true when the network was offline and no fetch was attempted.
	Skipped bool
	// Fetched is the number of records the API returned.
	Fetched int
	// Upserted is the number of records written locally.
	Upserted int
	// Failed is the number of records that could not be written.
	Failed int
	// Err is the fetch error, or the upsert error(s). Nil on success and when skipped.
	Err      error
	Duration time.Duration
}

// Status summarises the result as ok, offline, partial or failed.
func (r Result) Status() string {
	switch {
	case r.Skipped:
		return StatusOffline
	case r.Err == nil:
		return StatusOK
	case r.Upserted > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// MarshalJSON renders the result for the HTTP facade and CLI.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Collection string `json:"collection"`
		Status     string `json:"status"`
		Fetched    int    `json:"fetched"`
		Upserted   int    `json:"upserted"`
		Failed     int    `json:"failed"`
		Error      string `json:"error,omitempty"`
		DurationMS int64  `json:"duration_ms"`
	}{
		Collection: r.Collection,
		Status:     r.Status(),
		Fetched:    r.Fetched,
		Upserted:   r.Upserted,
		Failed:     r.Failed,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
