package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/livepoll/go/internal/models"
)

// ViewState is the synchronization state of one poll view
type ViewState int

const (
	StateIdle ViewState = iota
	StateLoading
	StateLive
	StateStale
	StateResyncing
	StateError
)

func (s ViewState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateResyncing:
		return "resyncing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("view_state(%d)", int(s))
	}
}

// ViewID identifies one entry into a poll view. Re-entering the same poll
// yields a new id.
type ViewID = uuid.UUID

// View is a read-only projection of a poll view
type View struct {
	ID      ViewID
	PollID  string
	State   ViewState
	Err     error // set in StateError
	Poll    models.Poll
	HasPoll bool
	Tally   models.Tally
	Expired bool
}

// Change notifies that a view moved to State.
type Change struct {
	ViewID ViewID
	PollID string
	State  ViewState
	At     time.Time
}
