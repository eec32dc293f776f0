package queue

// State is a step in a message's processing path.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateParsed       State = "PARSED"
	StatePoison       State = "POISON"
	StateValidated    State = "VALIDATED"
	StateEvaluated    State = "EVALUATED"
	StatePersisted    State = "PERSISTED"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateFailed       State = "FAILED"
)

// Outcome records how one message moved through the evaluator.
type Outcome struct {
	MessageID string
	Path      []State
	AlertIDs  []string
	Err       error
}

// State returns the terminal state.
func (o Outcome) State() State {
	if len(o.Path) == 0 {
		return StateReceived
	}
	return o.Path[len(o.Path)-1]
}

// Visited reports whether the message passed through s.
func (o Outcome) Visited(s State) bool {
	for _, p := range o.Path {
		if p == s {
			return true
		}
	}
	return false
}
