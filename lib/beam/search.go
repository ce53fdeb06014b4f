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
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/beamline/lib/tokenizer"
)

// ErrUnsupportedPrompt is returned for prompt shapes the search cannot
// drive: explicit encoder/decoder prompts and pre-embedded inputs.
var ErrUnsupportedPrompt = errors.New("unsupported prompt shape for beam search")

// TokenLogprob is one entry of a next-token distribution returned by the
// generation service.
type TokenLogprob struct {
	TokenID int
	Logprob float64
	Rank    int
	Decoded string
}

// StepRequest asks the generation service for the top next-token
// log-probabilities given a token history.
type StepRequest struct {
	// RequestID identifies this expansion within a search step.
	RequestID string
	// Tokens is the candidate's full token history, prompt included.
	Tokens []int
	// TopLogprobs is how many token/logprob pairs to return.
	TopLogprobs int
	// Temperature is passed through to the sampler.
	Temperature float64
	// Adapter and Payload are opaque passthrough fields.
	Adapter string
	Payload map[string]any
}

// Stepper is the external generation service consumed by the search: one
// call produces one next-token distribution. Implementations must support
// many independent concurrent calls and honor context cancellation.
type Stepper interface {
	Step(ctx context.Context, req *StepRequest) ([]TokenLogprob, error)
}

// Prompt is the input to one search call. Exactly the token-ids form is
// supported; encoder/decoder and pre-embedded prompts are rejected up
// front.
type Prompt struct {
	// TokenIDs is the tokenized prompt.
	TokenIDs []int
	// Text is the original prompt text, echoed in the output when set.
	Text string
	// Adapter and Payload are carried opaquely on every expansion request.
	Adapter string
	Payload map[string]any

	// EncoderTokenIDs marks an explicit encoder/decoder prompt. Unsupported.
	EncoderTokenIDs []int
	// Embeds marks a pre-embedded prompt. Unsupported.
	Embeds [][]float32
}

// SearchParams are the recognized options of one search call.
type SearchParams struct {
	BeamWidth              int
	MaxTokens              int
	IgnoreEOS              bool
	Temperature            float64
	LengthPenalty          float64
	IncludeStopStrInOutput bool
	MinTokens              int
	AdditionalEOSTokenIDs  []int
	ScoreMode              ScoreMode
}

// DefaultSearchParams returns the defaults for optional knobs.
func DefaultSearchParams() SearchParams {
	return SearchParams{
		BeamWidth:     1,
		LengthPenalty: 1.0,
	}
}

// Validate rejects malformed parameters before any generation begins.
func (p SearchParams) Validate() error {
	if p.BeamWidth < 1 {
		return fmt.Errorf("beam width must be >= 1, got %d", p.BeamWidth)
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be >= 1, got %d", p.MaxTokens)
	}
	if p.MinTokens < 0 {
		return fmt.Errorf("min tokens must be >= 0, got %d", p.MinTokens)
	}
	return nil
}

// SequenceOutput is one ranked result sequence.
type SequenceOutput struct {
	Index             int            `json:"index"`
	TokenIDs          []int          `json:"token_ids"`
	Text              string         `json:"text"`
	CumulativeLogprob float64        `json:"cumulative_logprob"`
	Logprobs          []StepLogprobs `json:"logprobs,omitempty"`
	FinishReason      FinishReason   `json:"finish_reason"`
	StopReason        *int           `json:"stop_reason,omitempty"`
}

// SearchOutput is the final result of one search call.
type SearchOutput struct {
	RequestID      string           `json:"request_id"`
	Prompt         string           `json:"prompt,omitempty"`
	PromptTokenIDs []int            `json:"prompt_token_ids"`
	Sequences      []SequenceOutput `json:"sequences"`
	Steps          int              `json:"steps"`
	EarlyStopped   bool             `json:"early_stopped,omitempty"`
	Finished       bool             `json:"finished"`
}

// Searcher drives beam-search decoding against a Stepper. It is safe for
// concurrent use; each Search call owns its own SearchState.
type Searcher struct {
	stepper Stepper
	stops   tokenizer.StopTokens
	detok   tokenizer.Detokenizer
	logger  *zap.Logger
	sem     *semaphore.Weighted
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithMaxConcurrency bounds the number of in-flight expansion requests per
// searcher across all steps. Unbounded when not set.
func WithMaxConcurrency(n int64) SearcherOption {
	return func(s *Searcher) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithStopTokens overrides stop-token detection with a precomputed result,
// e.g. from a cache.
func WithStopTokens(stops tokenizer.StopTokens) SearcherOption {
	return func(s *Searcher) {
		s.stops = stops
	}
}

// NewSearcher creates a searcher. caps may be nil, in which case stop
// tokens come only from options and per-call parameters; detok may be nil,
// in which case output text is left empty.
func NewSearcher(stepper Stepper, caps tokenizer.Capabilities, detok tokenizer.Detokenizer, logger *zap.Logger, opts ...SearcherOption) (*Searcher, error) {
	if stepper == nil {
		return nil, errors.New("stepper is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Searcher{
		stepper: stepper,
		stops:   tokenizer.DetectStopTokens(caps),
		detok:   detok,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Search runs one complete beam search: repeated single-token expansion of
// all active candidates, EOS/minimum-length classification, pruning to the
// beam width, and final ranking of completed candidates. A failed expansion
// fails the whole call; cancellation aborts in-flight expansions and yields
// no output.
func (s *Searcher) Search(ctx context.Context, prompt *Prompt, params SearchParams) (*SearchOutput, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search params: %w", err)
	}
	if len(prompt.EncoderTokenIDs) > 0 || len(prompt.Embeds) > 0 {
		return nil, ErrUnsupportedPrompt
	}
	if len(prompt.TokenIDs) == 0 {
		return nil, errors.New("prompt tokens are required")
	}

	policy, err := NewStopPolicy(StopPolicyConfig{
		PrimaryEOSID:     s.stops.Primary,
		AdditionalEOSIDs: append(append([]int(nil), s.stops.Additional...), params.AdditionalEOSTokenIDs...),
		IgnoreEOS:        params.IgnoreEOS,
		MinTokens:        params.MinTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("building stop policy: %w", err)
	}

	promptLen := len(prompt.TokenIDs)
	state := NewSearchState(prompt.TokenIDs, policy, params.ScoreMode)
	seed := state.Active()[0]
	seed.Adapter = prompt.Adapter
	seed.Payload = prompt.Payload
	requestID := "beam_search-" + uuid.NewString()

	s.logger.Debug("Starting beam search",
		zap.String("requestID", requestID),
		zap.Int("promptTokens", promptLen),
		zap.Int("beamWidth", params.BeamWidth),
		zap.Int("maxTokens", params.MaxTokens))

	earlyStopped := false
	for step := 0; step < params.MaxTokens; step++ {
		active := state.Active()
		if len(active) == 0 {
			break
		}

		distributions, err := s.expand(ctx, active, params)
		if err != nil {
			return nil, fmt.Errorf("expanding beams at step %d: %w", step, err)
		}

		var kept []*Candidate
		for i, cand := range active {
			dist := distributions[i]
			if len(dist) == 0 {
				// Generation cannot proceed for this candidate; drop it.
				s.logger.Debug("Empty distribution, dropping candidate",
					zap.String("requestID", requestID),
					zap.Int("step", step),
					zap.Int("beam", i))
				continue
			}

			record := make(StepLogprobs, len(dist))
			for _, entry := range dist {
				record[entry.TokenID] = Logprob{
					Logprob: entry.Logprob,
					Rank:    entry.Rank,
					Decoded: entry.Decoded,
				}
			}

			for _, entry := range dist {
				child := cand.Extend(entry.TokenID, entry.Logprob, record)
				if policy.IsEOSToken(entry.TokenID) && !policy.IgnoreEOS() &&
					child.NumGenerated(promptLen) >= params.MinTokens {
					state.Finalize(child, FinishReasonStop)
					state.AddCompleted(child)
				} else {
					kept = append(kept, child)
				}
			}
		}

		s.sortByScore(kept, state, params.LengthPenalty)
		if len(kept) > params.BeamWidth {
			kept = kept[:params.BeamWidth]
		}
		state.SetActive(kept)
		state.PruneFinishedFromActive()
		state.AdvanceStep()

		if state.ShouldEarlyStop(params.BeamWidth, params.LengthPenalty) {
			earlyStopped = true
			s.logger.Debug("Early stopping beam search",
				zap.String("requestID", requestID),
				zap.Int("step", step),
				zap.Int("completed", len(state.Completed())))
			break
		}
	}

	// Whatever is still active exhausted the step budget.
	for _, cand := range state.Active() {
		if !cand.IsFinished {
			state.Finalize(cand, FinishReasonLength)
		}
		state.AddCompleted(cand)
	}
	state.SetActive(nil)

	best := state.BestCompleted(params.BeamWidth, params.LengthPenalty)
	sequences := make([]SequenceOutput, 0, len(best))
	for i, cand := range best {
		outTokens := cand.Tokens[promptLen:]
		if len(outTokens) > 0 && policy.IsEOSToken(cand.LastToken()) &&
			!policy.IgnoreEOS() && !params.IncludeStopStrInOutput {
			outTokens = outTokens[:len(outTokens)-1]
		}

		if s.detok != nil {
			cand.Text = s.detok.Decode(outTokens)
		}

		reason := cand.FinishReason
		if reason == FinishReasonNone {
			reason = FinishReasonLength
		}

		sequences = append(sequences, SequenceOutput{
			Index:             i,
			TokenIDs:          outTokens,
			Text:              cand.Text,
			CumulativeLogprob: cand.CumLogprob,
			Logprobs:          cand.Logprobs,
			FinishReason:      reason,
			StopReason:        cand.StopReason,
		})
	}

	s.logger.Info("Beam search complete",
		zap.String("requestID", requestID),
		zap.Int("steps", state.CurrentStep()),
		zap.Int("sequences", len(sequences)),
		zap.Bool("earlyStopped", earlyStopped))

	return &SearchOutput{
		RequestID:      requestID,
		Prompt:         prompt.Text,
		PromptTokenIDs: prompt.TokenIDs,
		Sequences:      sequences,
		Steps:          state.CurrentStep(),
		EarlyStopped:   earlyStopped,
		Finished:       true,
	}, nil
}

// expand fans out one expansion request per active candidate and joins all
// of them before returning. Results are positionally aligned with the
// active set so ordering stays deterministic. Any single failure cancels
// the remaining requests and fails the step.
func (s *Searcher) expand(ctx context.Context, active []*Candidate, params SearchParams) ([][]TokenLogprob, error) {
	stepID := "beam_search-" + uuid.NewString()
	results := make([][]TokenLogprob, len(active))

	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range active {
		g.Go(func() error {
			if s.sem != nil {
				if err := s.sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer s.sem.Release(1)
			}

			dist, err := s.stepper.Step(gctx, &StepRequest{
				RequestID:   fmt.Sprintf("%s-%d", stepID, i),
				Tokens:      cand.Tokens,
				TopLogprobs: 2 * params.BeamWidth,
				Temperature: params.Temperature,
				Adapter:     cand.Adapter,
				Payload:     cand.Payload,
			})
			if err != nil {
				return err
			}
			results[i] = dist
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// sortByScore stably sorts candidates descending by score so that
// tie-break behavior is deterministic given identical inputs.
func (s *Searcher) sortByScore(candidates []*Candidate, state *SearchState, lengthPenalty float64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return state.scoreOf(candidates[i], lengthPenalty) > state.scoreOf(candidates[j], lengthPenalty)
	})
}
