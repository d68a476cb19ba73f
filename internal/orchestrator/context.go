package orchestrator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"golang-trust-loader/internal/jobhistory"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/pkg/logger"
)

// RunContext carries everything one run needs. It is built once by the
// caller, passed explicitly, and released with Close whatever the outcome.
type RunContext struct {
	RunID   string
	Logger  logger.Logger
	Env     *loader.Env
	History jobhistory.History
	// Now is the clock used to decide whether a resolved window is due.
	Now func() time.Time

	closers []func() error
}

// NewRunContext creates a RunContext with a fresh run ID. The logger is
// tagged with the run ID and handed to env.
func NewRunContext(env *loader.Env, history jobhistory.History, log logger.Logger) *RunContext {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if env == nil {
		env = &loader.Env{}
	}
	id := uuid.NewString()
	log = log.WithField("run_id", id)
	env.Logger = log
	return &RunContext{
		RunID:   id,
		Logger:  log,
		Env:     env,
		History: history,
		Now:     time.Now,
	}
}

// OnClose registers fn to run on Close. Closers run in reverse order.
func (rc *RunContext) OnClose(fn func() error) {
	rc.closers = append(rc.closers, fn)
}

// Close releases every registered resource and returns all failures.
func (rc *RunContext) Close() error {
	var errs []error
	for i := len(rc.closers) - 1; i >= 0; i-- {
		if err := rc.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rc.closers = nil
	return errors.Join(errs...)
}
