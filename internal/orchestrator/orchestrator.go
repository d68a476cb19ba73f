// Package orchestrator sequences a run: resolve the window, trim and load
// every loader, match, collect stats, then record the run in job history.
//
// The run is a linear state machine:
//
//	Resolved-Window -> Trimming -> Loading -> Matching -> Stats-Collected -> Done
//
// A loader failing in any phase is recorded in the summary and the run moves
// on; only window resolution can end a run early.
//
// Example usage:
//
//	rc := orchestrator.NewRunContext(env, history, log)
//	defer rc.Close()
//
//	o := orchestrator.New(rc, matcher.DefaultConfig())
//	o.AddProgressCallback(func(p orchestrator.Progress) {
//		fmt.Printf("%s %.0f%%\n", p.Phase, p.PercentComplete)
//	})
//	summary, err := o.Run(ctx, orchestrator.RunOptions{Loaders: plan.Loaders, Trim: true, AddRecords: true})
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang-trust-loader/internal/jobhistory"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/matcher"
	"golang-trust-loader/internal/models"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// RunOptions selects what a run does.
type RunOptions struct {
	// Window is the explicit run window. Nil resolves it from job history.
	Window  *models.DateWindow
	Loaders []*loader.Loader
	// Trim and AddRecords gate the Trimming and Loading phases.
	Trim       bool
	AddRecords bool
	// Await, when set, holds a window resolved from job history until the
	// loaders' input files are delivered. Explicit windows never wait.
	Await *AwaitFiles
}

// Progress reports a phase transition or a finished step.
type Progress struct {
	RunID           string        `json:"run_id"`
	Phase           Phase         `json:"phase"`
	Loader          string        `json:"loader,omitempty"`
	CompletedSteps  int           `json:"completed_steps"`
	TotalSteps      int           `json:"total_steps"`
	PercentComplete float64       `json:"percent_complete"`
	StartTime       time.Time     `json:"start_time"`
	ElapsedTime     time.Duration `json:"elapsed_time"`
}

// ProgressCallback is called on every progress update
type ProgressCallback func(Progress)

// Orchestrator runs the phases of a run against a RunContext.
type Orchestrator struct {
	rc      *RunContext
	matcher *matcher.Matcher
	log     logger.Logger

	progressCallbacks []ProgressCallback
	progress          Progress
	progressMutex     sync.RWMutex
}

// New creates an Orchestrator for rc
func New(rc *RunContext, config matcher.Config) *Orchestrator {
	log := rc.Logger.WithComponent("orchestrator")
	return &Orchestrator{
		rc:      rc,
		matcher: matcher.New(rc.Env.DB, config, rc.Logger),
		log:     log,
	}
}

// AddProgressCallback adds a progress callback function
func (o *Orchestrator) AddProgressCallback(callback ProgressCallback) {
	o.progressCallbacks = append(o.progressCallbacks, callback)
}

// CurrentProgress returns the latest progress snapshot
func (o *Orchestrator) CurrentProgress() Progress {
	o.progressMutex.RLock()
	defer o.progressMutex.RUnlock()
	return o.progress
}

// MatchDate is the date rules are matched for: the last day of the window.
func MatchDate(w models.DateWindow) time.Time {
	return w.End.AddDate(0, 0, -1)
}

// Run executes one run. The returned error is only set when no window could
// be resolved or its input files never arrived; every later failure is
// recorded in the summary.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	summary := newSummary(o.rc.RunID)
	defer func() {
		summary.FinishedAt = time.Now()
		summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
		o.logSummary(summary)
	}()

	// window, then trim, load and match per loader, then stats and done
	total := 3*len(opts.Loaders) + 3
	o.initializeProgress(total)

	w, exec, err := o.resolveWindow(ctx, opts, summary)
	if err != nil {
		summary.record(PhaseResolvedWindow, err)
		return summary, err
	}
	if summary.NothingToDo {
		summary.record(PhaseResolvedWindow, nil)
		return summary, nil
	}
	if exec != nil && opts.Await != nil {
		if err := o.awaitFiles(ctx, *opts.Await, opts.Loaders, w); err != nil {
			summary.record(PhaseResolvedWindow, err)
			o.failExecution(ctx, exec)
			return summary, err
		}
	}
	summary.record(PhaseResolvedWindow, nil)
	summary.Window = w
	summary.MatchDate = MatchDate(w)
	o.advance(PhaseResolvedWindow, "")

	o.log.WithFields(logger.Fields{
		"window":  w.String(),
		"loaders": len(opts.Loaders),
	}).Info("Starting load")

	for _, l := range opts.Loaders {
		summary.Loaders = append(summary.Loaders, o.runLoader(ctx, l, w, opts, summary))
	}

	o.setPhase(PhaseMatching, "")
	for i, l := range opts.Loaders {
		res := o.matcher.Match(ctx, l, summary.MatchDate)
		summary.Loaders[i].Match = &res
		if res.Skipped {
			summary.skip(PhaseMatching)
		} else {
			summary.record(PhaseMatching, res.Err)
		}
		o.advance(PhaseMatching, l.Name)
	}

	o.setPhase(PhaseStatsCollected, "")
	stats, err := o.matcher.CollectStats(ctx, opts.Loaders, w)
	summary.Stats = stats
	summary.StatsErr = err
	summary.record(PhaseStatsCollected, err)
	if err != nil {
		o.log.WithError(err).WithField("window", w.String()).Error("Stats collection failed")
	}
	o.advance(PhaseStatsCollected, "")

	o.finishExecution(ctx, exec, summary)
	summary.record(PhaseDone, nil)
	o.advance(PhaseDone, "")
	return summary, nil
}

// resolveWindow returns the explicit window or starts the next execution
// from job history. exec is nil for explicit windows.
func (o *Orchestrator) resolveWindow(ctx context.Context, opts RunOptions, summary *Summary) (models.DateWindow, *jobhistory.Execution, error) {
	o.setPhase(PhaseResolvedWindow, "")
	if opts.Window != nil {
		return *opts.Window, nil, nil
	}
	if o.rc.History == nil {
		return models.DateWindow{}, nil, apperrors.ConfigurationError(apperrors.CodeMissingConfig, "job_history", "",
			nil).WithSuggestion("pass --start and --end, or configure a job history store")
	}

	o.log.Info("Getting start and end date from job history")
	res, err := jobhistory.Resolve(ctx, o.rc.History, o.rc.Now())
	if err != nil {
		o.log.WithError(err).Error("Could not resolve the run window")
		return models.DateWindow{}, nil, err
	}
	summary.Window = res.Window
	if res.NothingToDo {
		summary.NothingToDo = true
		o.log.WithField("window", res.Window.String()).Info("Start date in the future, nothing to do")
		return res.Window, nil, nil
	}
	summary.ExecutionID = res.Execution.ID
	if res.Clamped {
		o.log.WithField("window", res.Window.String()).Warn("Window end is after today; ending the window today")
	}
	o.log.WithField("execution_id", res.Execution.ID).Info("Started job execution")
	return res.Window, res.Execution, nil
}

// runLoader trims and loads one loader. A failed trim skips the load so a
// reload never duplicates rows the trim should have removed.
func (o *Orchestrator) runLoader(ctx context.Context, l *loader.Loader, w models.DateWindow, opts RunOptions, summary *Summary) LoaderOutcome {
	out := LoaderOutcome{Name: l.Name, Window: l.Window(w)}
	log := o.log.WithField("loader", l.Name)
	log.Info("Starting loader")

	o.setPhase(PhaseTrimming, l.Name)
	if opts.Trim {
		n, err := l.Trim(ctx, o.rc.Env.DB, w)
		out.Trimmed, out.TrimErr = n, err
		summary.record(PhaseTrimming, err)
		if err != nil {
			log.WithError(err).WithField("window", out.Window.String()).Error("Trim failed")
		} else {
			log.WithField("deleted", n).Debug("Trimmed working table")
		}
	} else {
		summary.skip(PhaseTrimming)
	}
	o.advance(PhaseTrimming, l.Name)

	o.setPhase(PhaseLoading, l.Name)
	switch {
	case !opts.AddRecords:
		summary.skip(PhaseLoading)
	case out.TrimErr != nil:
		summary.skip(PhaseLoading)
		log.Warn("Load skipped after failed trim")
	default:
		res := l.Load(ctx, o.rc.Env, w)
		out.Load = &res
		summary.record(PhaseLoading, res.Err())
	}
	o.advance(PhaseLoading, l.Name)

	log.Info("Finished loader")
	return out
}

// finishExecution records the run in job history once every phase was
// attempted. Per-loader failures do not fail the execution; a cancelled
// run does.
func (o *Orchestrator) finishExecution(ctx context.Context, exec *jobhistory.Execution, summary *Summary) {
	if exec == nil {
		return
	}
	status := jobhistory.StatusSuccess
	if ctx.Err() != nil {
		status = jobhistory.StatusFailed
	}
	// the run context may be cancelled; the outcome must still be recorded
	if err := o.rc.History.Finish(context.WithoutCancel(ctx), exec.ID, status); err != nil {
		o.log.WithError(err).WithField("execution_id", exec.ID).Error("Failed to finish job execution")
		return
	}
	o.log.WithFields(logger.Fields{
		"execution_id": exec.ID,
		"status":       status,
		"window":       summary.Window.String(),
	}).Info("Completed job execution")
}

// failExecution records an execution that never got past window resolution.
func (o *Orchestrator) failExecution(ctx context.Context, exec *jobhistory.Execution) {
	if err := o.rc.History.Finish(context.WithoutCancel(ctx), exec.ID, jobhistory.StatusFailed); err != nil {
		o.log.WithError(err).WithField("execution_id", exec.ID).Error("Failed to finish job execution")
	}
}

func (o *Orchestrator) logSummary(s *Summary) {
	fields := logger.Fields{
		"run_id":   s.RunID,
		"window":   s.Window.String(),
		"records":  s.TotalRecords(),
		"failures": s.Failures(),
		"duration": s.Duration.String(),
	}
	for _, p := range s.Phases {
		fields[string(p.Phase)] = map[string]int{"ok": p.Succeeded, "failed": p.Failed, "skipped": p.Skipped}
	}
	if s.Succeeded() {
		o.log.WithFields(fields).Info("Run finished")
		return
	}
	o.log.WithFields(fields).Warn("Run finished with failures")
}

func (o *Orchestrator) initializeProgress(total int) {
	o.progressMutex.Lock()
	o.progress = Progress{
		RunID:      o.rc.RunID,
		TotalSteps: total,
		StartTime:  time.Now(),
	}
	o.progressMutex.Unlock()
}

func (o *Orchestrator) setPhase(phase Phase, loaderName string) {
	o.update(func(p *Progress) {
		p.Phase = phase
		p.Loader = loaderName
	})
}

func (o *Orchestrator) advance(phase Phase, loaderName string) {
	o.update(func(p *Progress) {
		p.Phase = phase
		p.Loader = loaderName
		if p.CompletedSteps < p.TotalSteps {
			p.CompletedSteps++
		}
	})
}

func (o *Orchestrator) update(fn func(*Progress)) {
	o.progressMutex.Lock()
	fn(&o.progress)
	o.progress.ElapsedTime = time.Since(o.progress.StartTime)
	if o.progress.TotalSteps > 0 {
		o.progress.PercentComplete = float64(o.progress.CompletedSteps) / float64(o.progress.TotalSteps) * 100
	}
	snapshot := o.progress
	callbacks := o.progressCallbacks
	o.progressMutex.Unlock()

	for _, cb := range callbacks {
		cb(snapshot)
	}
}
