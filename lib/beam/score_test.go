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

package beam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testEOS = 2

func TestScore_AlphaZeroMatchesRaw(t *testing.T) {
	tokens := []int{5, 6, 7, 8}
	cumLogprob := -3.25

	assert.InDelta(t, cumLogprob, Score(tokens, cumLogprob, testEOS, 0), 1e-12)
	assert.InDelta(t, RawScore(tokens, cumLogprob, testEOS, 0), Score(tokens, cumLogprob, testEOS, 0), 1e-12)
}

func TestScore_AlphaOne(t *testing.T) {
	tokens := []int{5, 6, 7, 8}
	cumLogprob := -3.0

	// lp = (5 + 4) / (5 + 1) = 1.5
	assert.InDelta(t, -2.0, Score(tokens, cumLogprob, testEOS, 1.0), 1e-12)
}

func TestScore_TrailingEOSExcludedFromLength(t *testing.T) {
	tokens := []int{5, 6, 7}
	withEOS := []int{5, 6, 7, testEOS}
	cumLogprob := -2.5

	assert.InDelta(t,
		Score(tokens, cumLogprob, testEOS, 1.2),
		Score(withEOS, cumLogprob, testEOS, 1.2),
		1e-12)
}

func TestScore_InteriorEOSCounts(t *testing.T) {
	interior := []int{5, testEOS, 7}
	plain := []int{5, 6, 7}
	cumLogprob := -2.5

	// Only a trailing EOS is excluded from the effective length.
	assert.InDelta(t,
		Score(plain, cumLogprob, testEOS, 1.2),
		Score(interior, cumLogprob, testEOS, 1.2),
		1e-12)
}

func TestScore_HigherAlphaFavorsLongSequences(t *testing.T) {
	short := []int{1, 2}
	long := []int{1, 2, 3, 4, 5, 6, 7, 8}
	cumLogprob := -4.0

	// With no normalization the two tie; with alpha > 0 the longer
	// sequence's penalty divisor is larger, so its score is higher
	// (less negative).
	assert.Equal(t, Score(short, cumLogprob, testEOS, 0), Score(long, cumLogprob, testEOS, 0))
	assert.Greater(t, Score(long, cumLogprob, testEOS, 1.0), Score(short, cumLogprob, testEOS, 1.0))
}

func TestScore_AlphaMonotonicity(t *testing.T) {
	tokens := []int{1, 2, 3, 4}
	cumLogprob := -3.0

	// For a fixed sequence longer than one token, raising alpha always
	// raises the score.
	prev := Score(tokens, cumLogprob, testEOS, 0.0)
	for _, alpha := range []float64{0.25, 0.5, 1.0, 1.5, 2.0} {
		cur := Score(tokens, cumLogprob, testEOS, alpha)
		assert.Greater(t, cur, prev, "alpha %v", alpha)
		prev = cur
	}
}

func TestScore_MatchesGNMTFormula(t *testing.T) {
	tokens := []int{1, 2, 3, 4, 5}
	cumLogprob := -7.5
	alpha := 0.6

	lp := math.Pow(5.0+5.0, alpha) / math.Pow(6.0, alpha)
	assert.InDelta(t, cumLogprob/lp, Score(tokens, cumLogprob, testEOS, alpha), 1e-12)
}

func TestRawScore_IgnoresEverythingButCumLogprob(t *testing.T) {
	assert.Equal(t, -1.5, RawScore([]int{1, 2, 3}, -1.5, testEOS, 2.0))
	assert.Equal(t, -1.5, RawScore([]int{1}, -1.5, testEOS, 0))
}

func TestScoreMode_Func(t *testing.T) {
	tokens := []int{1, 2, 3, testEOS}
	cumLogprob := -4.2

	normalized := ScoreModeLengthNormalized.Func()
	raw := ScoreModeRaw.Func()

	assert.InDelta(t, Score(tokens, cumLogprob, testEOS, 0.8), normalized(tokens, cumLogprob, testEOS, 0.8), 1e-12)
	assert.Equal(t, cumLogprob, raw(tokens, cumLogprob, testEOS, 0.8))
}
