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

// Package beam implements beam-search decoding control for autoregressive
// text generation. It tracks candidate sequences, applies end-of-sequence
// and minimum-length policy, prunes to the best candidates each step, and
// returns the top-ranked finished sequences. Token sampling itself is
// delegated to an external Stepper.
package beam

import (
	"fmt"
	"sync/atomic"
)

// FinishReason classifies why a candidate stopped generating.
type FinishReason int

const (
	// FinishReasonNone means the candidate is still active.
	FinishReasonNone FinishReason = iota
	// FinishReasonStop means the candidate produced an end-of-sequence token.
	FinishReasonStop
	// FinishReasonLength means the candidate exhausted the step budget.
	FinishReasonLength
)

// String returns the wire representation of the finish reason.
func (r FinishReason) String() string {
	switch r {
	case FinishReasonStop:
		return "stop"
	case FinishReasonLength:
		return "length"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler so finish reasons serialize
// as "stop"/"length" in JSON output.
func (r FinishReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FinishReason) UnmarshalText(text []byte) error {
	switch string(text) {
	case "":
		*r = FinishReasonNone
	case "stop":
		*r = FinishReasonStop
	case "length":
		*r = FinishReasonLength
	default:
		return fmt.Errorf("unknown finish reason %q", text)
	}
	return nil
}

// Logprob is the record kept for one token of one step's distribution.
type Logprob struct {
	Logprob float64 `json:"logprob"`
	Rank    int     `json:"rank"`
	Decoded string  `json:"decoded_token,omitempty"`
}

// StepLogprobs maps token id to its logprob record for a single generated
// position. One entry is appended to a candidate per generated token.
type StepLogprobs map[int]Logprob

// candidateIDs hands out process-unique candidate identities, used to keep
// AddCompleted idempotent.
var candidateIDs atomic.Uint64

// Candidate is a single beam: one in-progress or completed sequence tracked
// by the search. Tokens always include the prompt prefix and are append-only;
// extension produces a new child Candidate rather than mutating the parent.
type Candidate struct {
	id uint64

	// Tokens is the full token history, prompt included.
	Tokens []int
	// Logprobs holds one StepLogprobs per generated token, kept for output.
	Logprobs []StepLogprobs
	// CumLogprob is the running sum of chosen-token log-probabilities.
	CumLogprob float64

	// Text is populated lazily, only when the candidate is emitted.
	Text string

	// Adapter and Payload are opaque passthrough fields: the search never
	// inspects them, only forwards them on expansion requests.
	Adapter string
	Payload map[string]any

	IsFinished   bool
	FinishedStep int
	FinishReason FinishReason
	// StopReason is the terminating token id, set only when the candidate
	// ended on an end-of-sequence token.
	StopReason *int
}

// NewCandidate creates the seed candidate for a search, holding only the
// prompt tokens and zero cumulative log-probability.
func NewCandidate(promptTokens []int) *Candidate {
	tokens := make([]int, len(promptTokens))
	copy(tokens, promptTokens)
	return &Candidate{
		id:           candidateIDs.Add(1),
		Tokens:       tokens,
		FinishedStep: -1,
	}
}

// ID returns the candidate's unique identity.
func (c *Candidate) ID() uint64 {
	return c.id
}

// Extend returns a new child candidate with tokenID appended, the cumulative
// log-probability accumulated and the step's logprob record attached. The
// parent is left untouched; passthrough fields are carried over.
func (c *Candidate) Extend(tokenID int, logprob float64, record StepLogprobs) *Candidate {
	tokens := make([]int, len(c.Tokens)+1)
	copy(tokens, c.Tokens)
	tokens[len(c.Tokens)] = tokenID

	logprobs := make([]StepLogprobs, len(c.Logprobs)+1)
	copy(logprobs, c.Logprobs)
	logprobs[len(c.Logprobs)] = record

	return &Candidate{
		id:           candidateIDs.Add(1),
		Tokens:       tokens,
		Logprobs:     logprobs,
		CumLogprob:   c.CumLogprob + logprob,
		Adapter:      c.Adapter,
		Payload:      c.Payload,
		FinishedStep: -1,
	}
}

// LastToken returns the final token of the candidate's history.
func (c *Candidate) LastToken() int {
	return c.Tokens[len(c.Tokens)-1]
}

// NumGenerated returns how many tokens the candidate has generated beyond
// the prompt prefix of the given length.
func (c *Candidate) NumGenerated(promptLen int) int {
	return len(c.Tokens) - promptLen
}
