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

//go:build go1.22

package beamline

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"

	"github.com/antflydb/beamline/lib/beam"
)

// SearchRequest is the body of POST /api/search. Either prompt_token_ids or
// prompt (text, tokenized server-side when the backend supports it) must be
// set.
type SearchRequest struct {
	Prompt         string `json:"prompt,omitempty"`
	PromptTokenIDs []int  `json:"prompt_token_ids,omitempty"`

	BeamWidth              int     `json:"beam_width,omitempty"`
	MaxTokens              int     `json:"max_tokens,omitempty"`
	IgnoreEOS              bool    `json:"ignore_eos,omitempty"`
	Temperature            float64 `json:"temperature,omitempty"`
	LengthPenalty          float64 `json:"length_penalty,omitempty"`
	IncludeStopStrInOutput bool    `json:"include_stop_str_in_output,omitempty"`
	MinTokens              int     `json:"min_tokens,omitempty"`
	AdditionalEOSTokenIDs  []int   `json:"additional_eos_token_ids,omitempty"`
	ScoreMode              string  `json:"score_mode,omitempty"`

	Adapter string         `json:"adapter,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Queue QueueStats     `json:"queue"`
	Cache map[string]any `json:"cache,omitempty"`
}

// BeamlineAPI routes the Beamline HTTP API.
type BeamlineAPI struct {
	logger *zap.Logger
	node   *BeamlineNode
}

// NewBeamlineAPI creates the HTTP handler for the Beamline API.
func NewBeamlineAPI(logger *zap.Logger, node *BeamlineNode) http.Handler {
	api := &BeamlineAPI{
		logger: logger,
		node:   node,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/search", node.handleApiSearch)
	mux.HandleFunc("GET /api/version", api.GetVersion)
	mux.HandleFunc("GET /api/stats", node.handleApiStats)
	return mux
}

// GetVersion reports build information.
func (b *BeamlineAPI) GetVersion(w http.ResponseWriter, r *http.Request) {
	resp := VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		b.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleApiStats reports queue and cache occupancy.
func (ln *BeamlineNode) handleApiStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Queue: ln.requestQueue.Stats(),
	}
	if ln.searchCache != nil {
		resp.Cache = ln.searchCache.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		ln.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleApiSearch runs one beam search against the generation engine.
func (ln *BeamlineNode) handleApiSearch(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	// Apply backpressure via request queue
	release, err := ln.requestQueue.Acquire(r.Context())
	if err != nil {
		switch err {
		case ErrQueueFull:
			RecordQueueRejection()
			WriteQueueFullResponse(w, 5*time.Second)
		case ErrRequestTimeout:
			RecordQueueTimeout()
			WriteTimeoutResponse(w)
		default:
			// Context cancelled
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
		return
	}
	defer release()

	// Update queue metrics
	UpdateQueueMetrics(ln.requestQueue.Stats())

	var req SearchRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}

	prompt, params, err := ln.buildSearch(&req)
	if err != nil {
		RecordSearchRequest("400")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	out, err := ln.searcher.Search(r.Context(), prompt, params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, beam.ErrUnsupportedPrompt) {
			status = http.StatusBadRequest
		}
		RecordSearchRequest(strconv.Itoa(status))
		RecordRequestDuration("search", strconv.Itoa(status), time.Since(start).Seconds())
		ln.logger.Error("Beam search failed", zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	RecordSearchRequest("200")
	RecordRequestDuration("search", "200", time.Since(start).Seconds())
	RecordSearchSteps(out.Steps)
	if out.EarlyStopped {
		RecordEarlyStop()
	}
	for _, seq := range out.Sequences {
		RecordTokenGeneration(len(seq.TokenIDs))
		RecordSequenceCompletion(seq.FinishReason.String())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(out); err != nil {
		ln.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// buildSearch translates a wire request into a prompt and search parameters,
// applying the node's configured defaults.
func (ln *BeamlineNode) buildSearch(req *SearchRequest) (*beam.Prompt, beam.SearchParams, error) {
	params := beam.DefaultSearchParams()
	params.BeamWidth = ln.defaultBeamWidth
	params.MaxTokens = ln.defaultMaxTokens

	if req.BeamWidth > 0 {
		params.BeamWidth = req.BeamWidth
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = req.MaxTokens
	}
	params.IgnoreEOS = req.IgnoreEOS
	params.Temperature = req.Temperature
	if req.LengthPenalty != 0 {
		params.LengthPenalty = req.LengthPenalty
	}
	params.IncludeStopStrInOutput = req.IncludeStopStrInOutput
	params.MinTokens = req.MinTokens
	params.AdditionalEOSTokenIDs = req.AdditionalEOSTokenIDs

	switch req.ScoreMode {
	case "", "normalized":
		params.ScoreMode = beam.ScoreModeLengthNormalized
	case "raw":
		params.ScoreMode = beam.ScoreModeRaw
	default:
		return nil, params, fmt.Errorf("unknown score_mode %q", req.ScoreMode)
	}

	tokenIDs := req.PromptTokenIDs
	if len(tokenIDs) == 0 {
		if req.Prompt == "" {
			return nil, params, errors.New("prompt or prompt_token_ids is required")
		}
		if ln.encoder == nil {
			return nil, params, errors.New("text prompts require a tokenizer with encoding support")
		}
		tokenIDs = ln.encoder.Encode(req.Prompt)
		if len(tokenIDs) == 0 {
			return nil, params, errors.New("prompt tokenized to zero tokens")
		}
	}

	return &beam.Prompt{
		TokenIDs: tokenIDs,
		Text:     req.Prompt,
		Adapter:  req.Adapter,
		Payload:  req.Payload,
	}, params, nil
}
