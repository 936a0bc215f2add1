package task

import "fmt"

// Status is the lifecycle state of a mutation task.
type Status int

// Task lifecycle states. A task moves Pending → LocalApplied →
// RemoteInFlight → Finished, possibly looping through Retry while the
// scheduler re-attempts the remote phase.
const (
	StatusPending Status = iota
	StatusLocalApplied
	StatusRemoteInFlight
	StatusFinished
	StatusRetry
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLocalApplied:
		return "local_applied"
	case StatusRemoteInFlight:
		return "remote_in_flight"
	case StatusFinished:
		return "finished"
	case StatusRetry:
		return "retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStatus converts a database TEXT value to Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "local_applied":
		return StatusLocalApplied, nil
	case "remote_in_flight":
		return StatusRemoteInFlight, nil
	case "finished":
		return StatusFinished, nil
	case "retry":
		return StatusRetry, nil
	default:
		return StatusPending, fmt.Errorf("task: unknown status %q", s)
	}
}
