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

import "fmt"

// StopPolicyConfig configures end-of-sequence handling for one search.
type StopPolicyConfig struct {
	// PrimaryEOSID is the tokenizer's end-of-sequence token, if known.
	PrimaryEOSID *int
	// AdditionalEOSIDs are extra terminating token ids (e.g. from a model's
	// generation config or detected from the vocabulary).
	AdditionalEOSIDs []int
	// IgnoreEOS disables EOS termination entirely.
	IgnoreEOS bool
	// MinTokens is the minimum sequence length before an EOS may terminate.
	MinTokens int
}

// StopPolicy decides whether a token is an end marker and whether a
// candidate is allowed to stop given its length so far. Immutable once a
// search begins.
type StopPolicy struct {
	primaryEOSID     *int
	additionalEOSIDs map[int]struct{}
	ignoreEOS        bool
	minTokens        int
}

// NewStopPolicy validates the configuration and builds an immutable policy.
func NewStopPolicy(cfg StopPolicyConfig) (*StopPolicy, error) {
	if cfg.MinTokens < 0 {
		return nil, fmt.Errorf("min tokens must be >= 0, got %d", cfg.MinTokens)
	}

	additional := make(map[int]struct{}, len(cfg.AdditionalEOSIDs))
	for _, id := range cfg.AdditionalEOSIDs {
		if cfg.PrimaryEOSID != nil && id == *cfg.PrimaryEOSID {
			continue
		}
		additional[id] = struct{}{}
	}

	var primary *int
	if cfg.PrimaryEOSID != nil {
		id := *cfg.PrimaryEOSID
		primary = &id
	}

	return &StopPolicy{
		primaryEOSID:     primary,
		additionalEOSIDs: additional,
		ignoreEOS:        cfg.IgnoreEOS,
		minTokens:        cfg.MinTokens,
	}, nil
}

// PrimaryEOSID returns the primary end-of-sequence token id, if any.
func (p *StopPolicy) PrimaryEOSID() (int, bool) {
	if p.primaryEOSID == nil {
		return 0, false
	}
	return *p.primaryEOSID, true
}

// IgnoreEOS reports whether EOS termination is globally disabled.
func (p *StopPolicy) IgnoreEOS() bool {
	return p.ignoreEOS
}

// MinTokens returns the minimum length gate.
func (p *StopPolicy) MinTokens() int {
	return p.minTokens
}

// AllEOSIDs returns the union of the primary and additional EOS token ids.
func (p *StopPolicy) AllEOSIDs() map[int]struct{} {
	all := make(map[int]struct{}, len(p.additionalEOSIDs)+1)
	for id := range p.additionalEOSIDs {
		all[id] = struct{}{}
	}
	if p.primaryEOSID != nil {
		all[*p.primaryEOSID] = struct{}{}
	}
	return all
}

// IsEOSToken reports whether the token id is one of the policy's EOS ids.
func (p *StopPolicy) IsEOSToken(id int) bool {
	if p.primaryEOSID != nil && id == *p.primaryEOSID {
		return true
	}
	_, ok := p.additionalEOSIDs[id]
	return ok
}

// AllowsStopAt reports whether a candidate with the given token history may
// stop at the given step. It does not check whether the last token is an
// EOS token; callers combine it with IsEOSToken.
func (p *StopPolicy) AllowsStopAt(tokens []int, step int) bool {
	if p.ignoreEOS {
		return false
	}
	return len(tokens) >= p.minTokens
}
