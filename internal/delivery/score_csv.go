package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forest-guardian/vi-anomaly/internal/dataset"
	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

// ScoreCSV scores the observations table against the training table and
// writes one score row per pixel and observation to outPath. A non-positive
// rows or cols infers the field extent from the training table.
func (r *Runner) ScoreCSV(ctx context.Context, corpusPath, observationsPath, outPath string, rows, cols int) (*Summary, error) {
	start := time.Now()
	summary, err := r.scoreCSV(ctx, corpusPath, observationsPath, outPath, rows, cols)
	r.finishRun("score_csv", start, summary, err)
	if err != nil {
		r.notifyError(ctx, filepath.Base(corpusPath), err)
		return nil, err
	}
	r.notifySuccess(ctx, summary)
	return summary, nil
}

func (r *Runner) scoreCSV(ctx context.Context, corpusPath, observationsPath, outPath string, rows, cols int) (*Summary, error) {
	corpus, err := dataset.LoadCorpus(corpusPath, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to load training table: %w", err)
	}
	observations, err := dataset.LoadObservations(observationsPath, corpus.Rows, corpus.Cols)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations table: %w", err)
	}
	r.logger.Info("tables loaded",
		"pixels", corpus.Pixels(),
		"samples", corpus.Len(),
		"observations", len(observations))

	ref, err := r.BuildReference(ctx, corpus, "csv:"+corpusPath)
	if err != nil {
		return nil, err
	}
	results, err := r.score(ctx, ref, observations)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := dataset.SaveScores(outPath, observations, results); err != nil {
		return nil, err
	}

	summary := &Summary{
		Field:   filepath.Base(corpusPath),
		Samples: corpus.Len(),
		Outputs: []string{outPath},
	}
	summary.count(results)
	r.logger.Info("scores saved", "path", outPath, "rows", summary.Pixels)
	return summary, nil
}

func (r *Runner) score(ctx context.Context, ref *kde.Reference, observations []kde.Observation) ([]*kde.Result, error) {
	scorer, err := kde.NewScorer(ref, kde.WithScorerWorkers(r.cfg.Engine.Workers))
	if err != nil {
		return nil, err
	}
	return scorer.ScoreAll(ctx, observations)
}
