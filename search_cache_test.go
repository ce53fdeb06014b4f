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
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antflydb/beamline/lib/beam"
)

// mockRunner is a simple search runner for testing
type mockRunner struct {
	calls      atomic.Int64
	searchFunc func(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error)
}

func (m *mockRunner) Search(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
	m.calls.Add(1)
	if m.searchFunc != nil {
		return m.searchFunc(ctx, prompt, params)
	}
	return &beam.SearchOutput{
		RequestID:      "beam_search-test",
		PromptTokenIDs: prompt.TokenIDs,
		Finished:       true,
	}, nil
}

func testParams() beam.SearchParams {
	p := beam.DefaultSearchParams()
	p.BeamWidth = 2
	p.MaxTokens = 8
	return p
}

func TestCachedSearcher_HitSkipsRunner(t *testing.T) {
	sc := NewSearchCache(0, zap.NewNop())
	defer sc.Close()

	runner := &mockRunner{}
	cached := sc.WrapSearcher(runner)

	prompt := &beam.Prompt{TokenIDs: []int{1, 2, 3}}

	first, err := cached.Search(context.Background(), prompt, testParams())
	require.NoError(t, err)

	second, err := cached.Search(context.Background(), prompt, testParams())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), runner.calls.Load())

	stats := cached.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCachedSearcher_DifferentParamsMiss(t *testing.T) {
	sc := NewSearchCache(0, zap.NewNop())
	defer sc.Close()

	runner := &mockRunner{}
	cached := sc.WrapSearcher(runner)

	prompt := &beam.Prompt{TokenIDs: []int{1, 2, 3}}

	_, err := cached.Search(context.Background(), prompt, testParams())
	require.NoError(t, err)

	wider := testParams()
	wider.BeamWidth = 4
	_, err = cached.Search(context.Background(), prompt, wider)
	require.NoError(t, err)

	raw := testParams()
	raw.ScoreMode = beam.ScoreModeRaw
	_, err = cached.Search(context.Background(), prompt, raw)
	require.NoError(t, err)

	assert.Equal(t, int64(3), runner.calls.Load())
}

func TestCachedSearcher_DifferentPromptsMiss(t *testing.T) {
	sc := NewSearchCache(0, zap.NewNop())
	defer sc.Close()

	runner := &mockRunner{}
	cached := sc.WrapSearcher(runner)

	_, err := cached.Search(context.Background(), &beam.Prompt{TokenIDs: []int{1, 2, 3}}, testParams())
	require.NoError(t, err)
	_, err = cached.Search(context.Background(), &beam.Prompt{TokenIDs: []int{1, 2, 4}}, testParams())
	require.NoError(t, err)

	assert.Equal(t, int64(2), runner.calls.Load())
}

func TestCachedSearcher_ErrorsNotCached(t *testing.T) {
	sc := NewSearchCache(0, zap.NewNop())
	defer sc.Close()

	boom := errors.New("engine down")
	fail := true
	runner := &mockRunner{
		searchFunc: func(ctx context.Context, prompt *beam.Prompt, params beam.SearchParams) (*beam.SearchOutput, error) {
			if fail {
				return nil, boom
			}
			return &beam.SearchOutput{Finished: true}, nil
		},
	}
	cached := sc.WrapSearcher(runner)

	prompt := &beam.Prompt{TokenIDs: []int{1, 2, 3}}

	_, err := cached.Search(context.Background(), prompt, testParams())
	assert.ErrorIs(t, err, boom)

	fail = false
	out, err := cached.Search(context.Background(), prompt, testParams())
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.Equal(t, int64(2), runner.calls.Load())
}
