package pipeline

import "fmt"

// State is the processing state of one source file.
type State string

const (
	StatePending    State = "pending"
	StateExtracting State = "extracting"
	StateValidating State = "validating"
	StateLoading    State = "loading"
	// StateArchived is the success state. The file is moved only when
	// archival is configured.
	StateArchived State = "archived"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool { return s == StateArchived || s == StateFailed }

// transitions lists the allowed moves. A file cycles through
// extracting/validating/loading once per chunk; a skipped chunk goes back to
// extracting straight from validating.
var transitions = map[State][]State{
	StatePending:    {StateExtracting, StateFailed},
	StateExtracting: {StateValidating, StateArchived, StateFailed},
	StateValidating: {StateLoading, StateExtracting, StateFailed},
	StateLoading:    {StateExtracting, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes state changes of a file.
type TransitionFunc func(file string, from, to State)

// tracker holds the current state of one file and enforces the transition
// table.
type tracker struct {
	file  string
	state State
	hook  TransitionFunc
}

func newTracker(file string, hook TransitionFunc) *tracker {
	return &tracker{file: file, state: StatePending, hook: hook}
}

func (t *tracker) move(to State) {
	if t.state == to {
		return
	}
	if !canTransition(t.state, to) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s for %s", t.state, to, t.file))
	}
	from := t.state
	t.state = to
	if t.hook != nil {
		t.hook(t.file, from, to)
	}
}
