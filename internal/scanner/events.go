package scanner

// EventKind distinguishes the notices a scan run emits.
type EventKind int

const (
	// EventInfo is a progress notice.
	EventInfo EventKind = iota
	// EventError carries diagnostic text of a failure.
	EventError
	// EventDone is the single completion signal of a run. Cancelled is
	// the run's final disposition, there is no separate success flag.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventInfo:
		return "info"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is delivered on the scanner's Events channel. Exactly one
// EventDone is sent per run, after which the channel is closed.
type Event struct {
	Kind      EventKind
	Message   string
	Cancelled bool // set on EventDone only
}
