package sync

import (
	"errors"
	"fmt"
	"time"
)

// ErrSyncInProgress is returned by Sync while another cycle is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// State is the engine's position in a cycle.
type State int

const (
	Idle State = iota
	Pulling
	Applying
	Pushing
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pulling:
		return "pulling"
	case Applying:
		return "applying"
	case Pushing:
		return "pushing"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	// Pull side.
	Pulled         int      `json:"pulled"`
	Applied        int      `json:"applied"`
	Skipped        int      `json:"skipped"`
	KeptLocal      int      `json:"keptLocal"`
	DiscardedLocal int      `json:"discardedLocal"`
	SkippedTables  []string `json:"skippedTables,omitempty"`

	// Push side.
	PushedCreated int `json:"pushedCreated"`
	PushedUpdated int `json:"pushedUpdated"`
	PushedDeleted int `json:"pushedDeleted"`
	Acknowledged  int `json:"acknowledged"`
	Purged        int `json:"purged"`

	Watermark time.Time     `json:"watermark"`
	Duration  time.Duration `json:"duration"`
}

// Pushed returns the number of records sent to the server.
func (r *CycleResult) Pushed() int {
	return r.PushedCreated + r.PushedUpdated + r.PushedDeleted
}

func (r *CycleResult) String() string {
	return fmt.Sprintf("pulled %d (applied %d, kept local %d, discarded local %d), pushed %d, acknowledged %d in %s",
		r.Pulled, r.Applied, r.KeptLocal, r.DiscardedLocal, r.Pushed(), r.Acknowledged, r.Duration.Round(time.Millisecond))
}
