package loader

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"golang-trust-loader/internal/fileselect"
)

// FileJob is one selected input file.
type FileJob struct {
	Ref  fileselect.FileRef
	Date time.Time
	// Remote files are fetched from object storage before parsing.
	Remote bool
}

// Strategy runs the per-file jobs of one load. Results are returned in job
// order whatever the execution order was.
type Strategy interface {
	Run(ctx context.Context, jobs []FileJob, fn func(context.Context, FileJob) FileResult) []FileResult
}

// Sequential processes files one at a time.
type Sequential struct{}

// Run implements Strategy
func (Sequential) Run(ctx context.Context, jobs []FileJob, fn func(context.Context, FileJob) FileResult) []FileResult {
	results := make([]FileResult, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, fn(ctx, job))
	}
	return results
}

// WorkerPool processes up to Workers files concurrently. Each worker takes
// a file through fetch, parse, insert and mark on its own connection.
type WorkerPool struct {
	Workers int
}

// Run implements Strategy
func (p WorkerPool) Run(ctx context.Context, jobs []FileJob, fn func(context.Context, FileJob) FileResult) []FileResult {
	results := make([]FileResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(max(1, p.Workers))
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = fn(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// NewStrategy returns WorkerPool for more than one worker, else Sequential.
func NewStrategy(workers int) Strategy {
	if workers > 1 {
		return WorkerPool{Workers: workers}
	}
	return Sequential{}
}
