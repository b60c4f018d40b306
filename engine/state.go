package engine

// State is the orchestrator's position in its per-cycle state machine.
// Happy path: Idle → Fetching → Processing → Committing → Idle. Error is
// reachable from Fetching, Processing and Committing; the watermark is never
// advanced on the way there.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateCommitting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
