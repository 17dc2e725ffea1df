package poller

// Outcome reports what one tick did.
type Outcome int

const (
	// OutcomeProgress means the job is still running; a running event was
	// published.
	OutcomeProgress Outcome = iota + 1
	// OutcomeComplete means the job finished; the task was cancelled and a
	// complete event published.
	OutcomeComplete
	// OutcomeFailed means the job or one of its items failed; the task was
	// cancelled and a failed event published.
	OutcomeFailed
	// OutcomeIgnored means the tick produced nothing: the status tag was not
	// recognized or the tick was interrupted by shutdown.
	OutcomeIgnored
	// OutcomeAbandoned means the status could not be obtained or understood;
	// the task was cancelled and nothing was published.
	OutcomeAbandoned
	// OutcomeDone means the poller had already finished.
	OutcomeDone
)

var outcomeNames = map[Outcome]string{
	OutcomeProgress:  "progress",
	OutcomeComplete:  "complete",
	OutcomeFailed:    "failed",
	OutcomeIgnored:   "ignored",
	OutcomeAbandoned: "abandoned",
	OutcomeDone:      "done",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Terminal reports whether the outcome ended the poller.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeComplete, OutcomeFailed, OutcomeAbandoned:
		return true
	}
	return false
}
