package loader

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"

	"golang-trust-loader/internal/fileselect"
	"golang-trust-loader/internal/filesource"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/pipeline"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// RecordParser turns one local file into records. path is the local copy,
// job describes the original file.
type RecordParser func(ctx context.Context, path string, job FileJob) iter.Seq2[models.TransactionRecord, error]

// FileExtractor loads the files selected for a window from the input folder
// or object storage. Each file is inserted through its own pipeline run.
type FileExtractor struct {
	Selector fileselect.Selector
	// Prefix is the object key prefix, or a folder under the input dir.
	Prefix string
	Parse  RecordParser
	// UseLedger skips files already processed and marks files whose rows
	// all committed.
	UseLedger bool
	// Files for day D arrive on D+1, so selection runs against the window
	// shifted by one day unless SameDayFiles is set.
	SameDayFiles bool
	// HeadMetadata reads object metadata before selection so the file-date
	// entry can override the modified time.
	HeadMetadata bool
	// Await is checked before scheduled runs; see Missing.
	Await Expectation
}

// fileWindow is the window files are selected against for load window w.
func (f FileExtractor) fileWindow(w models.DateWindow) models.DateWindow {
	if f.SameDayFiles {
		return w
	}
	return w.FileWindow()
}

// Extract implements Extractor
func (f FileExtractor) Extract(ctx context.Context, env *Env, l *Loader, w models.DateWindow) LoadResult {
	var result LoadResult
	result.Rows.Target = l.Table

	if f.Parse == nil {
		result.ListErr = apperrors.InternalError(apperrors.CodeUnexpectedError, "load "+l.Name, fmt.Errorf("no record parser"))
		return result
	}
	if f.UseLedger && env.Ledger == nil {
		result.ListErr = apperrors.InternalError(apperrors.CodeUnexpectedError, "load "+l.Name, fmt.Errorf("ledger-backed source without a ledger"))
		return result
	}

	fw := f.fileWindow(w)
	jobs, err := f.discover(ctx, env, fw)
	if err != nil {
		result.ListErr = err
		return result
	}
	env.log().WithFields(logger.Fields{
		"loader":      l.Name,
		"file_window": fw.String(),
		"files":       len(jobs),
	}).Info("Selected input files")

	result.Files = env.strategy().Run(ctx, jobs, func(ctx context.Context, job FileJob) FileResult {
		return f.loadFile(ctx, env, l, job)
	})
	for _, fr := range result.Files {
		result.Rows.Merge(fr.Result)
	}
	return result
}

// discover lists candidate files and keeps the selected ones.
func (f FileExtractor) discover(ctx context.Context, env *Env, fw models.DateWindow) ([]FileJob, error) {
	var jobs []FileJob
	if env.Objects != nil {
		_, err := filesource.WalkObjects(ctx, env.Objects, f.Prefix, func(ref fileselect.FileRef) error {
			if f.HeadMetadata && !f.excluded(ref) {
				md, err := env.Objects.Head(ctx, ref.Path)
				if err != nil {
					env.log().WithError(err).WithField("file", ref.Path).Warn("Object metadata unavailable; using modified time")
				} else {
					ref.Metadata = md
				}
			}
			if ok, date := f.Selector.Select(ref, fw); ok {
				jobs = append(jobs, FileJob{Ref: ref, Date: date, Remote: true})
			}
			return nil
		})
		return jobs, err
	}

	if env.InputDir == "" {
		return nil, apperrors.ConfigurationError(apperrors.CodeMissingConfig, "input_dir", "", fmt.Errorf("no input folder or object store configured"))
	}
	refs, err := filesource.Enumerate(filepath.Join(env.InputDir, f.Prefix))
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ok, date := f.Selector.Select(ref, fw); ok {
			jobs = append(jobs, FileJob{Ref: ref, Date: date})
		}
	}
	return jobs, nil
}

func (f FileExtractor) excluded(ref fileselect.FileRef) bool {
	return f.Selector.Exclude != nil && f.Selector.Exclude(ref.Path)
}

// loadFile runs claim, fetch, parse, insert and mark for one file. The file
// is marked processed only when every batch committed.
func (f FileExtractor) loadFile(ctx context.Context, env *Env, l *Loader, job FileJob) FileResult {
	name := job.Ref.Name()
	log := env.log().WithFields(logger.Fields{
		"loader":    l.Name,
		"file":      name,
		"file_date": job.Date.Format(models.DateLayout),
	})
	fr := FileResult{File: job.Ref.Path, Date: job.Date}
	fr.Result.Target = l.Table

	if f.UseLedger {
		release, ok, err := env.Ledger.Claim(ctx, name)
		if err != nil {
			fr.Result.Err = err
			log.WithError(err).Error("Ledger lookup failed; file skipped")
			return fr
		}
		defer release()
		if !ok {
			fr.Skipped = true
			log.Debug("File already processed")
			return fr
		}
	}

	path := job.Ref.Path
	if job.Remote {
		local, err := env.Objects.Fetch(ctx, job.Ref.Path)
		if err != nil {
			fr.Result.Err = apperrors.FileError(apperrors.CodeFileFetch, job.Ref.Path, err)
			log.WithError(err).Error("Failed to fetch object")
			return fr
		}
		defer func() {
			if err := filesource.DeleteLocalTemp(local); err != nil {
				log.WithError(err).Warn("Failed to delete temp file")
			}
		}()
		path = local
	}

	opts := env.pipelineOptions(l, log)
	opts.Operation = l.Name + " " + name
	target := pipeline.Target{Table: l.Table, Columns: models.TransactionColumns}
	fr.Result = pipeline.InsertAll(ctx, env.DB, target, f.Parse(ctx, path, job), opts)
	if fr.Result.Failed() {
		log.WithError(fr.Result.Err).Error("File load failed; file left unprocessed")
		return fr
	}

	if f.UseLedger {
		if err := env.Ledger.MarkProcessed(ctx, name); err != nil {
			fr.Result.Err = err
			log.WithError(err).Error("Failed to mark file processed")
		}
	}
	return fr
}
