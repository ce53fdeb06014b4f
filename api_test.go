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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/beamline/lib/beam"
)

func newTestNode(t *testing.T, runner SearchRunner) (*BeamlineNode, http.Handler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	node := &BeamlineNode{
		logger:           logger,
		searcher:         runner,
		requestQueue:     NewRequestQueue(RequestQueueConfig{}, logger),
		defaultBeamWidth: 4,
		defaultMaxTokens: 16,
	}
	return node, NewBeamlineAPI(logger, node)
}

func postSearch(t *testing.T, handler http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleApiSearch_Success(t *testing.T) {
	runner := &mockRunner{
		searchFunc: func(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
			assert.Equal(t, []int{1, 2, 3}, prompt.TokenIDs)
			assert.Equal(t, 2, params.BeamWidth)
			assert.Equal(t, 8, params.MaxTokens)
			return &beam.SearchOutput{
				RequestID:      "beam_search-test",
				PromptTokenIDs: prompt.TokenIDs,
				Sequences: []beam.SequenceOutput{
					{Index: 0, TokenIDs: []int{7, 8}, Text: "ok", FinishReason: beam.FinishReasonStop},
				},
				Steps:    3,
				Finished: true,
			}, nil
		},
	}
	_, handler := newTestNode(t, runner)

	rec := postSearch(t, handler, SearchRequest{
		PromptTokenIDs: []int{1, 2, 3},
		BeamWidth:      2,
		MaxTokens:      8,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var out beam.SearchOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Finished)
	require.Len(t, out.Sequences, 1)
	assert.Equal(t, "ok", out.Sequences[0].Text)
	assert.Equal(t, beam.FinishReasonStop, out.Sequences[0].FinishReason)
}

func TestHandleApiSearch_AppliesDefaults(t *testing.T) {
	runner := &mockRunner{
		searchFunc: func(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
			assert.Equal(t, 4, params.BeamWidth)
			assert.Equal(t, 16, params.MaxTokens)
			assert.Equal(t, 1.0, params.LengthPenalty)
			return &beam.SearchOutput{Finished: true}, nil
		},
	}
	_, handler := newTestNode(t, runner)

	rec := postSearch(t, handler, SearchRequest{PromptTokenIDs: []int{1}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), runner.calls.Load())
}

func TestHandleApiSearch_MissingPrompt(t *testing.T) {
	_, handler := newTestNode(t, &mockRunner{})

	rec := postSearch(t, handler, SearchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApiSearch_TextPromptWithoutEncoder(t *testing.T) {
	_, handler := newTestNode(t, &mockRunner{})

	rec := postSearch(t, handler, SearchRequest{Prompt: "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApiSearch_UnknownScoreMode(t *testing.T) {
	_, handler := newTestNode(t, &mockRunner{})

	rec := postSearch(t, handler, SearchRequest{
		PromptTokenIDs: []int{1},
		ScoreMode:      "harmonic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApiSearch_ScoreModes(t *testing.T) {
	var got beam.ScoreMode
	runner := &mockRunner{
		searchFunc: func(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
			got = params.ScoreMode
			return &beam.SearchOutput{Finished: true}, nil
		},
	}
	_, handler := newTestNode(t, runner)

	rec := postSearch(t, handler, SearchRequest{PromptTokenIDs: []int{1}, ScoreMode: "raw"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, beam.ScoreModeRaw, got)

	rec = postSearch(t, handler, SearchRequest{PromptTokenIDs: []int{1}, ScoreMode: "normalized"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, beam.ScoreModeLengthNormalized, got)
}

func TestHandleApiSearch_UnsupportedPromptIs400(t *testing.T) {
	runner := &mockRunner{
		searchFunc: func(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
			return nil, beam.ErrUnsupportedPrompt
		},
	}
	_, handler := newTestNode(t, runner)

	rec := postSearch(t, handler, SearchRequest{PromptTokenIDs: []int{1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApiVersion(t *testing.T) {
	_, handler := newTestNode(t, &mockRunner{})

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestHealthEndpoints(t *testing.T) {
	node, _ := newTestNode(t, &mockRunner{})

	rec := httptest.NewRecorder()
	node.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	node.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A node without a searcher is not ready.
	empty := &BeamlineNode{logger: node.logger, requestQueue: node.requestQueue}
	rec = httptest.NewRecorder()
	empty.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
