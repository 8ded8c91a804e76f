package sequencer

// TaskState is the lifecycle of a single frame task within a session.
//
//	Queued -> Dispatched -> Completed -> Delivered
//	Queued -> Dispatched -> Failed
type TaskState uint8

const (
	Queued TaskState = iota
	Dispatched
	Completed
	Delivered
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown task state"
	}
}

// SessionState is the lifecycle of a Sequencer.
type SessionState uint8

const (
	Idle SessionState = iota
	Running
	Finished
	SessionFailed
	Cancelled
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case SessionFailed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown session state"
	}
}

// Terminal returns true if the session can make no further progress.
func (s SessionState) Terminal() bool {
	return s == Finished || s == SessionFailed || s == Cancelled
}
