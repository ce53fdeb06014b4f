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

import "math"

// gnmtLengthConstant is the k of the GNMT length penalty
// lp = ((k + len)^alpha) / ((k + 1)^alpha).
const gnmtLengthConstant = 5.0

// ScoreFunc maps a candidate's token history and cumulative log-probability
// to a comparable score. Implementations must be deterministic pure
// functions of their inputs.
type ScoreFunc func(tokens []int, cumLogprob float64, eosTokenID int, lengthPenalty float64) float64

// ScoreMode selects how candidates are ranked.
type ScoreMode int

const (
	// ScoreModeLengthNormalized applies the GNMT-style length penalty.
	ScoreModeLengthNormalized ScoreMode = iota
	// ScoreModeRaw ranks by raw cumulative log-probability, with no length
	// effect at all.
	ScoreModeRaw
)

// Func returns the scoring function for the mode.
func (m ScoreMode) Func() ScoreFunc {
	if m == ScoreModeRaw {
		return RawScore
	}
	return Score
}

// Score computes the GNMT length-normalized beam score. A trailing EOS token
// is excluded from the effective length, so a sequence of N content tokens
// scores identically whether or not the terminating EOS is physically
// appended.
func Score(tokens []int, cumLogprob float64, eosTokenID int, lengthPenalty float64) float64 {
	seqLen := len(tokens)
	if seqLen > 0 && tokens[seqLen-1] == eosTokenID {
		seqLen--
	}
	lp := math.Pow(gnmtLengthConstant+float64(seqLen), lengthPenalty) /
		math.Pow(gnmtLengthConstant+1, lengthPenalty)
	return cumLogprob / lp
}

// RawScore returns the cumulative log-probability unchanged, ranking beams
// purely by likelihood.
func RawScore(tokens []int, cumLogprob float64, eosTokenID int, lengthPenalty float64) float64 {
	return cumLogprob
}
