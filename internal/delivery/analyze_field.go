package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/forest-guardian/vi-anomaly/internal/alignment"
	"github.com/forest-guardian/vi-anomaly/internal/dataset"
	"github.com/forest-guardian/vi-anomaly/internal/kde"
	"github.com/forest-guardian/vi-anomaly/internal/properties"
	"github.com/forest-guardian/vi-anomaly/internal/season"
	"github.com/forest-guardian/vi-anomaly/internal/sentinel"
	"github.com/forest-guardian/vi-anomaly/output"
)

// AnalyzeField scores the testing season of a field against its other
// seasons. Images are read from <images_dir>/<field> and results are written
// to <output.dir>/<field>.
func (r *Runner) AnalyzeField(ctx context.Context, field string) (*Summary, error) {
	start := time.Now()
	summary, err := r.analyzeField(ctx, field)
	r.finishRun("analyze_field", start, summary, err)
	if err != nil {
		r.logger.Error("field analysis failed", "field", field, "error", err)
		r.notifyError(ctx, field, err)
		return nil, err
	}
	r.logger.Info("field analysis finished", "field", field, "elapsed", time.Since(start))
	r.notifySuccess(ctx, summary)
	return summary, nil
}

func (r *Runner) analyzeField(ctx context.Context, field string) (*Summary, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: empty field name", kde.ErrInvalidInput)
	}

	bands := sentinel.Bands{NIR: r.cfg.Sentinel.NIRBand, Red: r.cfg.Sentinel.RedBand}
	images, geo, err := sentinel.ReadStack(filepath.Join(r.cfg.Sentinel.ImagesDir, field), field, bands, r.logger)
	if err != nil {
		return nil, err
	}

	testingSeason := r.cfg.Season.Testing
	if testingSeason == 0 {
		seasons := season.Seasons(images)
		if len(seasons) == 0 {
			return nil, fmt.Errorf("%w for field %s", ErrNoTestingImages, field)
		}
		testingSeason = seasons[len(seasons)-1]
	}

	images, err = r.align(ctx, field, images)
	if err != nil {
		return nil, err
	}

	training, testing := season.Split(images, testingSeason, r.cfg.Season.Exclude)
	if r.cfg.Season.KeepValid {
		training = r.keepValid(field, "training", training)
		testing = r.keepValid(field, "testing", testing)
	}
	if len(training) == 0 {
		return nil, fmt.Errorf("%w for field %s", ErrNoTrainingImages, field)
	}
	if len(testing) == 0 {
		return nil, fmt.Errorf("%w for field %s season %d", ErrNoTestingImages, field, testingSeason)
	}

	daily, err := season.Interpolate(training, r.cfg.Season.InterpolationStep, season.SmoothOptions{
		Enabled: r.cfg.Season.Smooth,
		Window:  r.cfg.Season.SmoothWindow,
		Order:   r.cfg.Season.SmoothOrder,
	})
	if err != nil {
		return nil, err
	}
	corpus, err := season.BuildCorpus(daily)
	if err != nil {
		return nil, err
	}

	ref, err := r.BuildReference(ctx, corpus, "field:"+field)
	if err != nil {
		return nil, err
	}

	observations := season.Observations(testing)
	results, err := r.score(ctx, ref, observations)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Field:           field,
		TrainingSeasons: season.Seasons(training),
		TestingSeason:   testingSeason,
		TrainingImages:  len(training),
		Samples:         corpus.Len(),
	}
	summary.count(results)

	outputs, err := r.writeOutputs(field, testing, observations, results, geo)
	if err != nil {
		return nil, err
	}
	summary.Outputs = outputs
	return summary, nil
}

// keepValid keeps the clearest images of one side of the split, so cloud
// cover in the training seasons never decides which testing images survive.
func (r *Runner) keepValid(field, set string, images []season.Image) []season.Image {
	kept := season.KeepValid(images)
	r.logger.Info("valid images kept", "field", field, "set", set, "kept", len(kept), "dropped", len(images)-len(kept))
	return kept
}

// align shifts every season by the offsets of the configured estimator.
// Without an estimator the images are returned unchanged.
func (r *Runner) align(ctx context.Context, field string, images []season.Image) ([]season.Image, error) {
	est, closeFn, err := r.offsetEstimator()
	if err != nil {
		return nil, err
	}
	if est == nil {
		return images, nil
	}
	defer closeFn()

	seasons := season.Seasons(images)
	offsets, err := est.EstimateOffsets(ctx, field, seasons)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate season offsets: %w", err)
	}

	aligned := season.Align(images, offsets, r.grid.Days)
	for _, s := range seasons {
		if _, ok := offsets[s]; !ok {
			r.logger.Warn("season dropped without offset", "field", field, "season", s)
		}
	}
	r.logger.Info("seasons aligned", "field", field, "images", len(aligned), "dropped", len(images)-len(aligned))
	return aligned, nil
}

func (r *Runner) offsetEstimator() (alignment.Estimator, func(), error) {
	noop := func() {}
	if r.estimator != nil {
		return r.estimator, noop, nil
	}

	switch r.cfg.Alignment.Mode {
	case properties.AlignmentFile:
		table, err := alignment.LoadOffsets(r.cfg.Alignment.OffsetsFile)
		if err != nil {
			return nil, nil, err
		}
		return table, noop, nil
	case properties.AlignmentGRPC:
		client, err := alignment.Dial(r.cfg.Alignment.Address, r.cfg.Alignment.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	}
	return nil, noop, nil
}

func (r *Runner) writeOutputs(field string, testing []season.Image, observations []kde.Observation, results []*kde.Result, geo *sentinel.GeoReference) ([]string, error) {
	dir := filepath.Join(r.cfg.Output.Dir, field)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	scoresPath := filepath.Join(dir, "scores.csv")
	if err := dataset.SaveScores(scoresPath, observations, results); err != nil {
		return nil, err
	}
	outputs := []string{scoresPath}

	var locator *sentinel.LatLonTransformer
	if r.cfg.Output.GeoJSON && geo != nil {
		tr, err := sentinel.NewLatLonTransformer(*geo)
		if err != nil {
			return nil, err
		}
		defer tr.Close()
		locator = tr
	}

	// Observations keep the date order of the testing images.
	testing = slices.Clone(testing)
	slices.SortStableFunc(testing, func(a, b season.Image) int { return a.Date.Compare(b.Date) })

	for i, res := range results {
		stem := testing[i].Date.Format(time.DateOnly)

		if r.cfg.Output.Rasters {
			probPath := filepath.Join(dir, "probability_"+stem+".tif")
			deltaPath := filepath.Join(dir, "delta_"+stem+".tif")
			if err := sentinel.WriteRaster(probPath, res.Probability, res.Flags, geo); err != nil {
				return nil, err
			}
			if err := sentinel.WriteRaster(deltaPath, res.Delta, res.Flags, geo); err != nil {
				return nil, err
			}
			outputs = append(outputs, probPath, deltaPath)
		}

		if r.cfg.Output.Images {
			probPath := filepath.Join(dir, "probability_"+stem+".jpeg")
			deltaPath := filepath.Join(dir, "delta_"+stem+".jpeg")
			if err := output.CreateAnomalyImage(res, probPath, r.cfg.Output.ImageScale); err != nil {
				return nil, err
			}
			if err := output.CreateDeltaImage(res, deltaPath, r.cfg.Output.ImageScale, r.cfg.Output.DeltaRange); err != nil {
				return nil, err
			}
			outputs = append(outputs, probPath, deltaPath)
		}

		if locator != nil {
			path := filepath.Join(dir, "result_"+stem+".geojson")
			if err := output.CreateAnomalyGeoJSON(res, observations[i], locator, path); err != nil {
				return nil, err
			}
			outputs = append(outputs, path)
		}
	}

	r.logger.Info("outputs written", "field", field, "dir", dir, "files", len(outputs))
	return outputs, nil
}
