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

// Package beamline implements a beam-search decoding service that drives a
// remote token-generation engine: per-step fan-out of expansion requests,
// EOS classification, length-normalized scoring, and pruning to the beam
// width.
package beamline

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sugarme/tokenizer/pretrained"
	"go.uber.org/zap"

	"github.com/antflydb/beamline/lib/beam"
	"github.com/antflydb/beamline/lib/engine"
	"github.com/antflydb/beamline/lib/tokenizer"
)

// Encoder converts text to token ids. Optional: only some tokenizer
// backends support it, and only text prompts need it.
type Encoder interface {
	Encode(text string) []int
}

// BeamlineNode wires the searcher, tokenizer, cache, and request queue
// behind the HTTP API.
type BeamlineNode struct {
	logger *zap.Logger

	// Searcher, optionally wrapped with the result cache
	searcher SearchRunner

	searchCache *SearchCache

	// Tokenizer capabilities, used for text prompts and output decoding
	encoder Encoder
	detok   tokenizer.Detokenizer

	// Request queue for backpressure control
	requestQueue *RequestQueue

	defaultBeamWidth int
	defaultMaxTokens int
}

// corsMiddleware adds permissive CORS headers for the Beamline API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// buildTokenizer constructs the configured tokenizer backend. Both returns
// may be partially nil capable: the BPE backend encodes and decodes, the
// HuggingFace backend decodes only.
func buildTokenizer(config Config, zl *zap.Logger) (tokenizer.Capabilities, tokenizer.Detokenizer, Encoder, error) {
	switch config.Tokenizer {
	case "", "bpe":
		bpe, err := tokenizer.NewBPE(config.TokenizerEncoding)
		if err != nil {
			return nil, nil, nil, err
		}
		zl.Info("Using BPE tokenizer", zap.String("encoding", config.TokenizerEncoding))
		return bpe, bpe, bpe, nil
	case "huggingface":
		tk, err := pretrained.FromFile(config.TokenizerPath)
		if err != nil {
			return nil, nil, nil, err
		}
		hf, err := tokenizer.NewHuggingFace(tk, tokenizer.HuggingFaceConfig{
			EOSToken: config.EosToken,
			PadToken: config.PadToken,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		zl.Info("Using HuggingFace tokenizer", zap.String("path", config.TokenizerPath))
		return hf, hf, nil, nil
	default:
		zl.Warn("Unknown tokenizer backend, running without tokenizer",
			zap.String("tokenizer", config.Tokenizer))
		return nil, nil, nil, nil
	}
}

// RunAsBeamline runs the Beamline node until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsBeamline(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("beamline")
	zl.Info("Starting beamline node", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}

	if config.EngineUrl == "" {
		zl.Fatal("Engine URL is required")
	}

	caps, detok, enc, err := buildTokenizer(config, zl.Named("tokenizer"))
	if err != nil {
		zl.Fatal("Failed to initialize tokenizer", zap.Error(err))
	}

	engineClient, err := engine.NewClient(config.EngineUrl, zl)
	if err != nil {
		zl.Fatal("Failed to create engine client", zap.Error(err))
	}

	var searcherOpts []beam.SearcherOption
	if config.MaxConcurrentSteps > 0 {
		searcherOpts = append(searcherOpts, beam.WithMaxConcurrency(int64(config.MaxConcurrentSteps)))
		zl.Info("Step concurrency capped", zap.Int("max_concurrent_steps", config.MaxConcurrentSteps))
	}

	searcher, err := beam.NewSearcher(engineClient, caps, detok, zl.Named("search"), searcherOpts...)
	if err != nil {
		zl.Fatal("Failed to create searcher", zap.Error(err))
	}

	// Wrap the searcher with the result cache unless disabled
	var runner SearchRunner = searcher
	var searchCache *SearchCache
	if config.CacheTTL != "0" {
		var cacheTTL time.Duration
		if config.CacheTTL != "" {
			cacheTTL, err = time.ParseDuration(config.CacheTTL)
			if err != nil {
				zl.Fatal("Invalid cache_ttl duration", zap.String("cache_ttl", config.CacheTTL), zap.Error(err))
			}
		}
		searchCache = NewSearchCache(cacheTTL, zl.Named("search-cache"))
		defer searchCache.Close()
		runner = searchCache.WrapSearcher(searcher)
	}

	// Initialize request queue for backpressure control
	var requestTimeout time.Duration
	if config.RequestTimeout != "" && config.RequestTimeout != "0" {
		requestTimeout, err = time.ParseDuration(config.RequestTimeout)
		if err != nil {
			zl.Fatal("Invalid request_timeout duration", zap.String("request_timeout", config.RequestTimeout), zap.Error(err))
		}
	}

	requestQueue := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: config.MaxConcurrentRequests,
		MaxQueueSize:          config.MaxQueueSize,
		RequestTimeout:        requestTimeout,
	}, zl.Named("queue"))

	defaultBeamWidth := config.DefaultBeamWidth
	if defaultBeamWidth < 1 {
		defaultBeamWidth = 4
	}
	defaultMaxTokens := config.DefaultMaxTokens
	if defaultMaxTokens < 1 {
		defaultMaxTokens = 256
	}

	node := &BeamlineNode{
		logger: zl,

		searcher:     runner,
		searchCache:  searchCache,
		encoder:      enc,
		detok:        detok,
		requestQueue: requestQueue,

		defaultBeamWidth: defaultBeamWidth,
		defaultMaxTokens: defaultMaxTokens,
	}

	apiHandler := NewBeamlineAPI(zl, node)

	// Create root mux with health endpoints and API handler
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", node.handleHealthz)
	rootMux.HandleFunc("GET /readyz", node.handleReadyz)

	rootMux.Handle("/api/", apiHandler)

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     corsMiddleware(rootMux),
		ReadTimeout: 540 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Beamline's api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Signal readiness after server starts
	if readyC != nil {
		close(readyC)
	}

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections
	srv.SetKeepAlivesEnabled(false)

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
