package delivery

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/forest-guardian/vi-anomaly/internal/cache"
	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

// BuildReference estimates the density volume of the corpus, or reads it from
// the cache when the same key, grid and corpus were estimated before, and
// normalizes it.
func (r *Runner) BuildReference(ctx context.Context, corpus *kde.Corpus, key string) (*kde.Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		fc       *cache.FileCache[*kde.DensityVolume]
		cacheKey string
	)
	if r.cfg.Cache.Enabled {
		fc = cache.NewFileCache[*kde.DensityVolume](r.cfg.Cache.Dir)
		cacheKey = fc.GenerateKey(key, r.grid, corpusFingerprint(corpus))
	}

	engine, err := kde.NewEngine(r.grid,
		kde.WithWorkers(r.cfg.Engine.Workers),
		kde.WithLogger(r.logger),
		kde.WithProgress(r.cfg.Engine.Progress),
	)
	if err != nil {
		return nil, err
	}

	density, hit := r.cachedDensity(fc, cacheKey)
	if !hit {
		start := time.Now()
		density, err = engine.Estimate(corpus)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("density estimation finished", "key", key, "elapsed", time.Since(start))

		if fc != nil {
			if err := fc.Set(cacheKey, density); err != nil {
				r.logger.Warn("failed to cache density volume", "key", key, "error", err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return engine.Normalize(density)
}

func (r *Runner) cachedDensity(fc *cache.FileCache[*kde.DensityVolume], cacheKey string) (*kde.DensityVolume, bool) {
	if fc == nil {
		return nil, false
	}
	density, ok := fc.Get(cacheKey)
	if !ok || density == nil || density.Grid != r.grid {
		r.metrics.CacheLookup(false)
		return nil, false
	}
	r.metrics.CacheLookup(true)
	r.logger.Info("density volume loaded from cache", "cache_key", cacheKey)
	return density, true
}

// corpusFingerprint hashes the extent and every sample of the corpus.
func corpusFingerprint(corpus *kde.Corpus) string {
	if corpus == nil {
		return ""
	}

	h := sha1.New()
	buf := make([]byte, 8)
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf, v)
		h.Write(buf)
	}

	write(uint64(corpus.Rows))
	write(uint64(corpus.Cols))
	for _, samples := range corpus.Samples {
		write(uint64(len(samples)))
		for _, s := range samples {
			write(uint64(s.Day))
			write(math.Float64bits(s.VI))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
