package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/models"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// AwaitFiles holds a scheduled run until every file loader has its
// delivery-day files.
type AwaitFiles struct {
	// PollInterval is the wait between two checks.
	PollInterval time.Duration
	// MaxAttempts bounds the number of checks. Zero checks until ctx ends.
	MaxAttempts int
}

// awaitFiles polls the loaders until none is missing a file for w. It returns
// a file error when the attempts run out and the context error when ctx ends.
func (o *Orchestrator) awaitFiles(ctx context.Context, cfg AwaitFiles, loaders []*loader.Loader, w models.DateWindow) error {
	for attempt := 1; ; attempt++ {
		pending, err := o.pendingFiles(ctx, loaders, w)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			o.log.WithField("window", w.String()).Info("Input files are available")
			return nil
		}

		o.log.WithFields(logger.Fields{
			"attempt": attempt,
			"pending": strings.Join(pending, ", "),
		}).Info("Awaiting input files")
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return apperrors.FileError(apperrors.CodeFilesUnavailable, strings.Join(pending, ", "),
				fmt.Errorf("still missing after %d checks", attempt)).
				WithContext("window", w.String())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}

// pendingFiles lists every loader and delivery day still missing a file, as
// "Loader@YYYY-MM-DD".
func (o *Orchestrator) pendingFiles(ctx context.Context, loaders []*loader.Loader, w models.DateWindow) ([]string, error) {
	var pending []string
	for _, l := range loaders {
		days, err := l.Missing(ctx, o.rc.Env, w, o.rc.Now())
		if err != nil {
			return nil, err
		}
		for _, d := range days {
			pending = append(pending, l.Name+"@"+d.Format(models.DateLayout))
		}
	}
	return pending, nil
}
