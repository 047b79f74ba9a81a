package queue

type State string

const (
	Waiting       State = "WAITING"
	Preparing     State = "PREPARING"
	Serving       State = "SERVING"
	Completed     State = "COMPLETED"
	Skipped       State = "SKIPPED"
	WaitingResult State = "WAITING_RESULT"
	Returning     State = "RETURNING"
	Cancelled     State = "CANCELLED"
)

var transitions = map[State][]State{
	Waiting:   {Preparing, Cancelled},
	Preparing: {Serving, Skipped, Waiting},
	Serving:   {Completed, Skipped, WaitingResult, Returning, Waiting},
	// Skipped items re-enter, run out of calls, or are recalled by staff.
	Skipped:       {Waiting, Cancelled, Serving},
	Completed:     {Serving},
	WaitingResult: {Returning, Cancelled},
	Returning:     {Preparing, Cancelled},
	Cancelled:     {},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active states count toward a resource's capacity.
func (s State) Active() bool {
	switch s {
	case Waiting, Preparing, Serving, Returning:
		return true
	}
	return false
}

// Callable states wait in the ordered queue.
func (s State) Callable() bool {
	return s == Waiting || s == Returning
}

func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}
