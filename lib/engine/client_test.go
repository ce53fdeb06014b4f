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

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antflydb/beamline/lib/beam"
)

func TestClient_Step(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/step", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req stepRequest
		require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int{1, 2, 3}, req.Tokens)
		assert.Equal(t, 4, req.TopLogprobs)
		assert.Equal(t, 1, req.MaxTokens)
		assert.Equal(t, "lora-7", req.Adapter)

		resp := stepResponse{
			RequestID: req.RequestID,
			Logprobs: []tokenLogprob{
				{TokenID: 10, Logprob: -0.1, Rank: 1, Decoded: "hello"},
				{TokenID: 11, Logprob: -0.9, Rank: 2},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = sonic.ConfigDefault.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, zap.NewNop())
	require.NoError(t, err)

	dist, err := client.Step(context.Background(), &beam.StepRequest{
		RequestID:   "beam_search-test-0",
		Tokens:      []int{1, 2, 3},
		TopLogprobs: 4,
		Adapter:     "lora-7",
	})
	require.NoError(t, err)

	require.Len(t, dist, 2)
	assert.Equal(t, beam.TokenLogprob{TokenID: 10, Logprob: -0.1, Rank: 1, Decoded: "hello"}, dist[0])
	assert.Equal(t, beam.TokenLogprob{TokenID: 11, Logprob: -0.9, Rank: 2}, dist[1])
}

func TestClient_StepErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Step(context.Background(), &beam.StepRequest{Tokens: []int{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestClient_StepContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client, err := NewClient(srv.URL, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Step(ctx, &beam.StepRequest{Tokens: []int{1}})
	assert.Error(t, err)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient("", zap.NewNop())
	assert.Error(t, err)
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = sonic.ConfigDefault.NewEncoder(w).Encode(stepResponse{})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", zap.NewNop())
	require.NoError(t, err)

	_, err = client.Step(context.Background(), &beam.StepRequest{Tokens: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, "/v1/step", gotPath)
}
