// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package beamline

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/beamline/lib/beam"
)

// SearchCacheTTL is the default TTL for cached search results
const SearchCacheTTL = 2 * time.Minute

// SearchRunner runs one complete beam search
type SearchRunner interface {
	Search(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error)
}

// CachedSearcher wraps a search runner with caching support. Identical
// prompt and parameter combinations return the cached result; concurrent
// identical requests share one underlying search.
type CachedSearcher struct {
	runner  SearchRunner
	cache   *ttlcache.Cache[string, *beam.SearchOutput]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedSearcher wraps a search runner with caching
func NewCachedSearcher(
	runner SearchRunner,
	cache *ttlcache.Cache[string, *beam.SearchOutput],
	logger *zap.Logger,
) *CachedSearcher {
	return &CachedSearcher{
		runner:  runner,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// Search runs a beam search with caching support
func (c *CachedSearcher) Search(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
	key := c.cacheKey(prompt, params)

	// Check cache first
	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("search")
		c.logger.Debug("Search cache hit",
			zap.Int("prompt_tokens", len(prompt.TokenIDs)),
			zap.Int("sequences", len(item.Value().Sequences)))
		return item.Value(), nil
	}

	// Use singleflight to deduplicate concurrent identical requests
	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("search")

		start := time.Now()
		out, err := c.runner.Search(ctx, prompt, params)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, out, ttlcache.DefaultTTL)

		c.logger.Debug("Search completed and cached",
			zap.Int("prompt_tokens", len(prompt.TokenIDs)),
			zap.Int("sequences", len(out.Sequences)),
			zap.Duration("duration", time.Since(start)))

		return out, nil
	})

	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for search request")
	}

	return result.(*beam.SearchOutput), nil
}

// cacheKey generates a unique cache key from the prompt tokens, adapter,
// and every search parameter that affects the output.
func (c *CachedSearcher) cacheKey(prompt *beam.Prompt, params beam.SearchParams) string {
	h := xxhash.New()

	var buf [8]byte
	writeInt := func(v int) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeFloat := func(v float64) {
		binary.BigEndian.PutUint64(buf[:], uint64(int64(v*1e9)))
		_, _ = h.Write(buf[:])
	}

	for _, id := range prompt.TokenIDs {
		writeInt(id)
	}
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(prompt.Adapter)
	_, _ = h.WriteString("|")

	writeInt(params.BeamWidth)
	writeInt(params.MaxTokens)
	writeInt(params.MinTokens)
	writeInt(int(params.ScoreMode))
	writeFloat(params.Temperature)
	writeFloat(params.LengthPenalty)
	if params.IgnoreEOS {
		writeInt(1)
	}
	if params.IncludeStopStrInOutput {
		writeInt(1)
	}
	for _, id := range params.AdditionalEOSTokenIDs {
		writeInt(id)
	}

	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Stats returns cache statistics for this searcher
func (c *CachedSearcher) Stats() SearcherCacheStats {
	return SearcherCacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// SearcherCacheStats holds cache statistics for a searcher
type SearcherCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// SearchCache manages the shared result cache
type SearchCache struct {
	cache  *ttlcache.Cache[string, *beam.SearchOutput]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSearchCache creates a new search result cache. ttl <= 0 falls back to
// the default TTL.
func NewSearchCache(ttl time.Duration, logger *zap.Logger) *SearchCache {
	if ttl <= 0 {
		ttl = SearchCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *beam.SearchOutput](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	sc := &SearchCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	// Log cache stats periodically
	go sc.logStats(ctx)

	return sc
}

// WrapSearcher wraps a search runner with caching
func (sc *SearchCache) WrapSearcher(runner SearchRunner) *CachedSearcher {
	return NewCachedSearcher(runner, sc.cache, sc.logger)
}

// Close stops the cache
func (sc *SearchCache) Close() {
	sc.cancel()
	sc.cache.Stop()
}

// logStats logs cache statistics periodically
func (sc *SearchCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := sc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				hitRate := float64(0)
				total := metrics.Hits + metrics.Misses
				if total > 0 {
					hitRate = float64(metrics.Hits) / float64(total) * 100
				}
				sc.logger.Info("Search cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", sc.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics
func (sc *SearchCache) Stats() map[string]any {
	metrics := sc.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  sc.cache.Len(),
	}
}
