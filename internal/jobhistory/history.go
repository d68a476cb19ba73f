// Package jobhistory persists scheduled run windows and resolves the window
// of the next run from the last successful one.
package jobhistory

import (
	"context"
	"fmt"
	"time"

	"golang-trust-loader/internal/models"
	apperrors "golang-trust-loader/pkg/errors"
)

// Status is the state of a job execution
type Status string

const (
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Execution is one recorded run window.
type Execution struct {
	ID         string            `json:"id"`
	Window     models.DateWindow `json:"window"`
	Status     Status            `json:"status"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt,omitempty"`
}

// History is the job-history store.
type History interface {
	// LastSuccessful returns the latest successful execution, or nil when
	// there is none.
	LastSuccessful(ctx context.Context) (*Execution, error)
	// Start records a running execution for w.
	Start(ctx context.Context, w models.DateWindow) (*Execution, error)
	// Finish sets the final status of an execution.
	Finish(ctx context.Context, id string, status Status) error
	// Discard removes an execution that will not run.
	Discard(ctx context.Context, id string) error
}

// Lister is implemented by histories that can list past executions.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Execution, error)
}

// NextWindow continues after last with a window of the same length.
func NextWindow(last *Execution) (models.DateWindow, error) {
	if last == nil {
		return models.DateWindow{}, apperrors.WindowError(apperrors.CodeNoPriorWindow, "", "", fmt.Errorf("no successful job execution recorded"))
	}
	return models.NewDateWindow(last.Window.End, last.Window.End.AddDate(0, 0, last.Window.Len()))
}

// Resolution is the outcome of resolving a run window from history.
type Resolution struct {
	Window    models.DateWindow
	Execution *Execution
	// NothingToDo is set when the next window starts today or later. No
	// execution is left behind in that case.
	NothingToDo bool
	// Clamped is set when the window end was moved back to today.
	Clamped bool
}

// Resolve starts the execution following the last successful one. A window
// starting on or after today is discarded again and reported as nothing to do;
// a window ending after today is cut to end today.
func Resolve(ctx context.Context, h History, today time.Time) (Resolution, error) {
	last, err := h.LastSuccessful(ctx)
	if err != nil {
		return Resolution{}, apperrors.StoreError(apperrors.CodeConnectionFailed, "read job history", err)
	}
	next, err := NextWindow(last)
	if err != nil {
		return Resolution{}, err
	}
	w := next.EndingBy(today)

	exec, err := h.Start(ctx, w)
	if err != nil {
		return Resolution{}, apperrors.StoreError(apperrors.CodeConnectionFailed, "start job execution", err)
	}
	if w.StartsOnOrAfter(today) {
		if err := h.Discard(ctx, exec.ID); err != nil {
			return Resolution{}, apperrors.StoreError(apperrors.CodeConnectionFailed, "discard job execution", err)
		}
		return Resolution{Window: w, NothingToDo: true}, nil
	}
	return Resolution{Window: w, Execution: exec, Clamped: !w.End.Equal(next.End)}, nil
}

// Seed records w as a successful execution so scheduled runs can resume
// after it.
func Seed(ctx context.Context, h History, w models.DateWindow) (*Execution, error) {
	exec, err := h.Start(ctx, w)
	if err != nil {
		return nil, err
	}
	if err := h.Finish(ctx, exec.ID, StatusSuccess); err != nil {
		return nil, err
	}
	exec.Status = StatusSuccess
	return exec, nil
}

type record struct {
	ID         string `dynamodbav:"id"`
	StartDate  string `dynamodbav:"start_date"`
	EndDate    string `dynamodbav:"end_date"`
	Status     Status `dynamodbav:"status"`
	StartedAt  string `dynamodbav:"started_at"`
	FinishedAt string `dynamodbav:"finished_at,omitempty"`
}

func newRecord(id string, w models.DateWindow, now time.Time) record {
	return record{
		ID:        id,
		StartDate: w.Start.Format(models.DateLayout),
		EndDate:   w.End.Format(models.DateLayout),
		Status:    StatusRunning,
		StartedAt: now.UTC().Format(time.RFC3339),
	}
}

func (r record) execution() (*Execution, error) {
	w, err := models.ParseDateWindow(r.StartDate, r.EndDate)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", r.ID, err)
	}
	e := &Execution{ID: r.ID, Window: w, Status: r.Status}
	if t, err := time.Parse(time.RFC3339, r.StartedAt); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, r.FinishedAt); err == nil {
		e.FinishedAt = t
	}
	return e, nil
}
