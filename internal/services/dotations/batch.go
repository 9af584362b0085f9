package dotations

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collectivites/gsl/internal/events"
)

// ProjectFailure is one project a batch could not recompute.
type ProjectFailure struct {
	ProjectID string `json:"project_id"`
	Error     string `json:"error"`
}

// BatchReport summarises a batch recompute.
type BatchReport struct {
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Failures  []ProjectFailure `json:"failures,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// RecomputeAll recomputes every project. Project ids are split into chunks
// processed by a bounded set of workers; a failing project is recorded in the
// report and does not stop its chunk. Only a failure to list projects or a
// cancelled context fails the batch.
func (e *Engine) RecomputeAll(ctx context.Context) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{}
	var mu sync.Mutex

	record := func(projectID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Processed++
		if err == nil {
			return
		}
		report.Failed++
		report.Failures = append(report.Failures, ProjectFailure{ProjectID: projectID, Error: err.Error()})
		e.metrics.batchFailure()
		e.log.Error().Err(err).Str("project_id", projectID).Msg("Project recompute failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	afterID := ""
	for {
		ids, err := e.projects.ListIDs(ctx, afterID, e.cfg.ChunkSize)
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		chunk := ids
		g.Go(func() error {
			for _, id := range chunk {
				if err := gctx.Err(); err != nil {
					return err
				}
				_, err := e.RecomputeProject(gctx, id)
				record(id, err)
			}
			return nil
		})

		if len(ids) < e.cfg.ChunkSize {
			break
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	e.log.Info().
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Batch recompute completed")
	e.events.EmitTyped(moduleName, &events.RecomputeCompletedData{
		Processed:  report.Processed,
		Failed:     report.Failed,
		DurationMs: report.Duration.Milliseconds(),
	})
	return report, nil
}
