package pipeline

// State is the pipeline lifecycle position.
type State string

const (
	StateIdle            State = "Idle"
	StateLoading         State = "Loading"
	StateFetching        State = "Fetching"
	StateStaging         State = "Staging"
	StateDone            State = "Done"
	StatePartiallyFailed State = "PartiallyFailed"
	StateFailed          State = "Failed"
	StateCancelled       State = "Cancelled"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}
