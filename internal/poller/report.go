package poller

import "time"

// Outcome classifies what happened to one channel in one cycle.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeBaseline Outcome = "baseline"
	OutcomeEmpty    Outcome = "empty"
	// OutcomeHeld means some deliveries failed and the cursor was not advanced.
	OutcomeHeld  Outcome = "held"
	OutcomeError Outcome = "error"
)

// ChannelResult is the outcome of polling one channel. Err carries warnings
// (cursor write failures, held cursors) as well as fetch errors.
type ChannelResult struct {
	ChannelID string
	Outcome   Outcome
	Mentions  int
	Err       error
}

// CycleReport collects every channel's result for one cycle.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Results   []ChannelResult
}

// Failed counts channels whose messages could not be fetched.
func (r CycleReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeError {
			n++
		}
	}
	return n
}

// AllFailed reports whether a non-empty cycle failed on every channel.
func (r CycleReport) AllFailed() bool {
	return len(r.Results) > 0 && r.Failed() == len(r.Results)
}

// Result summarises the cycle as ok, partial or failed.
func (r CycleReport) Result() string {
	switch f := r.Failed(); {
	case f == 0:
		return "ok"
	case f == len(r.Results):
		return "failed"
	default:
		return "partial"
	}
}

// Channel returns the result for one channel.
func (r CycleReport) Channel(id string) (ChannelResult, bool) {
	for _, res := range r.Results {
		if res.ChannelID == id {
			return res, true
		}
	}
	return ChannelResult{}, false
}
