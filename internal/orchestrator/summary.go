package orchestrator

import (
	"time"

	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/matcher"
	"golang-trust-loader/internal/models"
)

// Phase is a state of the run state machine.
type Phase string

const (
	PhaseResolvedWindow Phase = "resolved_window"
	PhaseTrimming       Phase = "trimming"
	PhaseLoading        Phase = "loading"
	PhaseMatching       Phase = "matching"
	PhaseStatsCollected Phase = "stats_collected"
	PhaseDone           Phase = "done"
)

// Phases lists the states in run order.
var Phases = []Phase{
	PhaseResolvedWindow,
	PhaseTrimming,
	PhaseLoading,
	PhaseMatching,
	PhaseStatsCollected,
	PhaseDone,
}

// PhaseOutcome counts the steps of one phase.
type PhaseOutcome struct {
	Phase     Phase `json:"phase"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}

// LoaderOutcome is what happened to one loader during the run.
type LoaderOutcome struct {
	Name    string            `json:"name"`
	Window  models.DateWindow `json:"window"`
	Trimmed int64             `json:"trimmed"`
	TrimErr error             `json:"-"`
	// Load is nil when loading was disabled or skipped after a failed trim.
	Load  *loader.LoadResult   `json:"load,omitempty"`
	Match *matcher.MatchResult `json:"match,omitempty"`
}

// Errors returns every failure recorded for the loader
func (o LoaderOutcome) Errors() []error {
	var errs []error
	if o.TrimErr != nil {
		errs = append(errs, o.TrimErr)
	}
	if o.Load != nil && o.Load.Err() != nil {
		errs = append(errs, o.Load.Err())
	}
	if o.Match != nil && o.Match.Err != nil {
		errs = append(errs, o.Match.Err)
	}
	return errs
}

// Summary is the outcome of one run.
type Summary struct {
	RunID       string            `json:"runId"`
	Window      models.DateWindow `json:"window"`
	MatchDate   time.Time         `json:"matchDate"`
	ExecutionID string            `json:"executionId,omitempty"`
	// NothingToDo is set when the resolved window is not due yet.
	NothingToDo bool `json:"nothingToDo,omitempty"`

	Phases   []PhaseOutcome        `json:"phases"`
	Loaders  []LoaderOutcome       `json:"loaders"`
	Stats    []models.StatSnapshot `json:"stats,omitempty"`
	StatsErr error                 `json:"-"`

	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

func newSummary(runID string) *Summary {
	s := &Summary{RunID: runID, StartedAt: time.Now()}
	for _, p := range Phases {
		s.Phases = append(s.Phases, PhaseOutcome{Phase: p})
	}
	return s
}

func (s *Summary) phase(p Phase) *PhaseOutcome {
	for i := range s.Phases {
		if s.Phases[i].Phase == p {
			return &s.Phases[i]
		}
	}
	s.Phases = append(s.Phases, PhaseOutcome{Phase: p})
	return &s.Phases[len(s.Phases)-1]
}

func (s *Summary) record(p Phase, err error) {
	o := s.phase(p)
	if err != nil {
		o.Failed++
		return
	}
	o.Succeeded++
}

func (s *Summary) skip(p Phase) {
	s.phase(p).Skipped++
}

// Outcome returns the counts of phase p
func (s *Summary) Outcome(p Phase) PhaseOutcome {
	return *s.phase(p)
}

// Failures counts failed steps over all phases.
func (s *Summary) Failures() int {
	n := 0
	for _, p := range s.Phases {
		n += p.Failed
	}
	return n
}

// Succeeded reports whether every attempted step succeeded.
func (s *Summary) Succeeded() bool {
	return s.Failures() == 0
}

// TotalRecords sums the records committed by every loader.
func (s *Summary) TotalRecords() int {
	n := 0
	for _, l := range s.Loaders {
		if l.Load != nil {
			n += l.Load.Rows.Committed
		}
	}
	return n
}
