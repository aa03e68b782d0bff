package match

// validTransitions lists the allowed status changes. Terminal statuses have no entry.
var validTransitions = map[Status][]Status{
	StatusWaiting: {
		StatusPlaying,
		StatusAbandoned,
	},
	StatusPlaying: {
		StatusCompleted,
		StatusDraw,
		StatusAbandoned,
	},
}

var transitionRecorder = func(from, to string) {}

// RegisterTransitionRecorder allows external packages to observe status transitions.
func RegisterTransitionRecorder(recorder func(from, to string)) {
	if recorder == nil {
		transitionRecorder = func(string, string) {}
		return
	}

	transitionRecorder = recorder
}

// IsTransitionAllowed reports whether moving from one status to another is valid.
func IsTransitionAllowed(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, status := range allowed {
		if status == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	_, ok := validTransitions[s]
	return !ok
}
