package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/histo-embed/server/internal/cache"
	"github.com/histo-embed/server/internal/data/table"
	"github.com/histo-embed/server/internal/dataset"
	"github.com/histo-embed/server/internal/loadstore"
	"github.com/histo-embed/server/internal/sampler"
)

// Loader builds datasets for load jobs and installs them in the session.
type Loader struct {
	Session     *Session
	Features    dataset.FeatureLoader
	Coords      dataset.CoordinateLoader
	Cache       *cache.Manager
	Concurrency int
	Logger      *slog.Logger
}

// Execute implements Executor.
func (l *Loader) Execute(ctx context.Context, store *loadstore.Store, jobID string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", jobID)

	run, err := store.GetRun(jobID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("load job %s not found", jobID)
	}
	params := run.Params

	l.Session.BeginLoad(jobID)
	defer l.Session.EndLoad(jobID)

	mode, err := sampler.ParseMode(params.Mode)
	if err != nil {
		return err
	}

	if err := store.UpdateRunProgress(jobID, "manifest", 0, 0); err != nil {
		logger.Warn("failed to record progress", "error", err)
	}
	tbl, err := table.LoadFile(params.CSVPath)
	if err != nil {
		return err
	}

	b := dataset.NewBuilder(l.Features, l.Coords, dataset.Options{
		NumTilesPerWSI:      params.NumTilesPerWSI,
		Seed:                params.Seed,
		Mode:                mode,
		Concurrency:         l.Concurrency,
		Strict:              params.Strict,
		ValidateCoordinates: params.ValidateCoordinates,
		Progress: func(done, total int) {
			if err := store.UpdateRunProgress(jobID, "slides", done, total); err != nil {
				logger.Warn("failed to record progress", "error", err)
			}
		},
		Logger: logger,
	})
	ds, report, buildErr := b.Build(ctx, tbl)

	if report != nil {
		if err := store.InsertOutcomes(jobID, outcomes(report)); err != nil {
			logger.Error("failed to store slide outcomes", "error", err)
		}
		if err := store.UpdateRunCounts(jobID, report.Rows, report.Dim, report.Failed()); err != nil {
			logger.Error("failed to store load counts", "error", err)
		}
	}
	if buildErr != nil {
		return buildErr
	}

	l.Session.Swap(&Snapshot{
		Dataset:  ds,
		Report:   report,
		JobID:    jobID,
		CSVPath:  params.CSVPath,
		LoadedAt: time.Now(),
	})
	if l.Cache != nil {
		if err := l.Cache.Reset(); err != nil {
			logger.Warn("failed to reset caches", "error", err)
		}
	}
	return nil
}

func outcomes(report *dataset.Report) []loadstore.SlideOutcome {
	out := make([]loadstore.SlideOutcome, 0, len(report.Slides))
	for _, s := range report.Slides {
		if s.WSIPath == "" {
			// Not reached before a strict build stopped.
			continue
		}
		out = append(out, loadstore.SlideOutcome{
			SlideIndex:      s.Index,
			WSIPath:         s.WSIPath,
			FeaturePath:     s.FeaturePath,
			CoordinatesPath: s.CoordinatesPath,
			Tiles:           s.Tiles,
			Sampled:         s.Sampled,
			Error:           s.Error,
		})
	}
	return out
}
