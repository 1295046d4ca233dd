package pipeline

// State is the position of a Driver in its run.
type State int

const (
	StateIdle State = iota
	StateStart
	StateProcessClass
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStart:
		return "start"
	case StateProcessClass:
		return "process_class"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}
