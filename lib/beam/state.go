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

import "sort"

// Early-stop margin constants. The base tolerance shrinks per extra token of
// an active candidate relative to the worst finalist, down to a fixed floor.
// These are contract values, not tunable inputs.
const (
	earlyStopMarginBase     = 0.90
	earlyStopMarginPerToken = 0.02
	earlyStopMarginFloor    = 0.70
)

// SearchState owns one search's active and completed candidate sets and the
// step counter. It is created fresh per search call, owned exclusively by
// the controlling goroutine, and never shared.
type SearchState struct {
	policy  *StopPolicy
	scoreFn ScoreFunc

	active      []*Candidate
	completed   []*Candidate
	completedBy map[uint64]struct{}

	step int
}

// NewSearchState seeds a search with one active candidate holding only the
// prompt tokens.
func NewSearchState(promptTokens []int, policy *StopPolicy, mode ScoreMode) *SearchState {
	return &SearchState{
		policy:      policy,
		scoreFn:     mode.Func(),
		active:      []*Candidate{NewCandidate(promptTokens)},
		completedBy: make(map[uint64]struct{}),
	}
}

// Policy returns the search's stop policy.
func (s *SearchState) Policy() *StopPolicy {
	return s.policy
}

// Active returns the current active candidate set, in order.
func (s *SearchState) Active() []*Candidate {
	return s.active
}

// SetActive replaces the active candidate set after pruning.
func (s *SearchState) SetActive(candidates []*Candidate) {
	s.active = candidates
}

// Completed returns the completed candidates in completion order.
func (s *SearchState) Completed() []*Candidate {
	return s.completed
}

// CurrentStep returns the zero-based step counter.
func (s *SearchState) CurrentStep() int {
	return s.step
}

// AdvanceStep increments the step counter by exactly one. The counter is
// monotonic and never reset during a single search.
func (s *SearchState) AdvanceStep() {
	s.step++
}

// ShouldTerminate reports whether appending newTokenID to the candidate
// terminates it: the token must be an EOS token and the policy must allow
// stopping at the resulting length.
func (s *SearchState) ShouldTerminate(c *Candidate, newTokenID int) bool {
	if !s.policy.IsEOSToken(newTokenID) {
		return false
	}
	newTokens := make([]int, len(c.Tokens)+1)
	copy(newTokens, c.Tokens)
	newTokens[len(c.Tokens)] = newTokenID
	return s.policy.AllowsStopAt(newTokens, s.step)
}

// Finalize marks the candidate finished at the current step with the given
// reason. If its last token is an EOS token, the stop reason records it.
func (s *SearchState) Finalize(c *Candidate, reason FinishReason) {
	c.IsFinished = true
	c.FinishedStep = s.step
	c.FinishReason = reason
	if last := c.LastToken(); s.policy.IsEOSToken(last) {
		stop := last
		c.StopReason = &stop
	}
}

// AddCompleted moves a candidate to the completed set, finalizing it with
// FinishReasonStop if it was not already finished. Idempotent: a candidate
// already present is not inserted twice.
func (s *SearchState) AddCompleted(c *Candidate) {
	if _, ok := s.completedBy[c.id]; ok {
		return
	}
	if !c.IsFinished {
		s.Finalize(c, FinishReasonStop)
	}
	s.completedBy[c.id] = struct{}{}
	s.completed = append(s.completed, c)
}

// PruneFinishedFromActive removes every finished candidate from the active
// set, preserving the relative order of the rest. Safety net so finished
// candidates never receive further expansion requests.
func (s *SearchState) PruneFinishedFromActive() {
	kept := s.active[:0]
	for _, c := range s.active {
		if !c.IsFinished {
			kept = append(kept, c)
		}
	}
	s.active = kept
}

// scoreOf scores a candidate with the policy's primary EOS id (or 0 when
// absent).
func (s *SearchState) scoreOf(c *Candidate, lengthPenalty float64) float64 {
	eosID, _ := s.policy.PrimaryEOSID()
	return s.scoreFn(c.Tokens, c.CumLogprob, eosID, lengthPenalty)
}

// BestCompleted returns the top completed candidates by descending score.
// The sort is stable, so ties preserve original completion order. The result
// has length min(width, completed).
func (s *SearchState) BestCompleted(width int, lengthPenalty float64) []*Candidate {
	if len(s.completed) == 0 {
		return nil
	}

	sorted := make([]*Candidate, len(s.completed))
	copy(sorted, s.completed)
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.scoreOf(sorted[i], lengthPenalty) > s.scoreOf(sorted[j], lengthPenalty)
	})

	if width < len(sorted) {
		sorted = sorted[:width]
	}
	return sorted
}

// ShouldEarlyStop reports whether the search can end before the step budget
// is exhausted: it requires a full set of finalists and no active candidate
// whose current score could still beat the worst finalist. Because a longer
// active candidate's partial score is not directly comparable to a finished
// score under length normalization, the tolerance shrinks for candidates
// longer than the reference finalist.
func (s *SearchState) ShouldEarlyStop(width int, lengthPenalty float64) bool {
	if len(s.completed) < width {
		return false
	}

	bestW := s.BestCompleted(width, lengthPenalty)
	if len(bestW) < width {
		return false
	}

	worst := bestW[len(bestW)-1]
	worstScore := s.scoreOf(worst, lengthPenalty)

	for _, c := range s.active {
		extra := len(c.Tokens) - len(worst.Tokens)
		if extra < 0 {
			extra = 0
		}
		margin := earlyStopMarginBase - earlyStopMarginPerToken*float64(extra)
		if margin < earlyStopMarginFloor {
			margin = earlyStopMarginFloor
		}
		if s.scoreOf(c, lengthPenalty) > worstScore*margin {
			return false
		}
	}
	return true
}
