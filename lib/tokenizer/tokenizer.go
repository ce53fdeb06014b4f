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

// Package tokenizer defines the capability surface the beam-search
// controller needs from a tokenizer backend, plus adapters for the
// tokenizer libraries Beamline ships with.
package tokenizer

import (
	"sort"
	"strings"
)

// Capabilities is the fixed introspection interface implemented by an
// adapter per tokenizer backend. Every method is best-effort: a backend may
// report no EOS id, no pad id, an empty special-token mapping, or a nil
// vocabulary.
type Capabilities interface {
	// EOSID returns the primary end-of-sequence token id, if known.
	EOSID() (int, bool)
	// PadID returns the padding token id, if known.
	PadID() (int, bool)
	// SpecialTokens returns the special-token mapping, keyed by token type
	// (e.g. "eos_token") with one or more token strings per type.
	SpecialTokens() map[string][]string
	// TokenToID resolves a token string to its id.
	TokenToID(token string) (int, bool)
	// Vocab returns the full token-to-id vocabulary mapping, or nil when
	// the backend cannot enumerate it.
	Vocab() map[string]int
}

// Detokenizer converts token ids back to text.
type Detokenizer interface {
	Decode(ids []int) string
}

// StopTokens is the result of stop-token detection: the primary EOS id (if
// any) and additional terminating ids, sorted and deduplicated, with the
// primary excluded from the additional set.
type StopTokens struct {
	Primary    *int
	Additional []int
}

// eosVocabPatterns are known end-of-text spellings scanned for in the
// vocabulary.
var eosVocabPatterns = []string{"</s>", "<eos>", "<|end|>"}

// DetectStopTokens synthesizes stop-token configuration from a tokenizer's
// capabilities: the primary EOS id; the pad id when it doubles as EOS;
// special-token types whose name mentions "eos" or "end", resolved to ids;
// and vocabulary entries matching known EOS spellings. The detection is
// heuristic and never fails; an unknown tokenizer simply yields an empty
// result.
func DetectStopTokens(caps Capabilities) StopTokens {
	var detected StopTokens
	if caps == nil {
		return detected
	}

	var primary *int
	if id, ok := caps.EOSID(); ok {
		eos := id
		primary = &eos
	}
	detected.Primary = primary

	additional := make(map[int]struct{})

	// Some models reuse the pad token as EOS.
	if padID, ok := caps.PadID(); ok && primary != nil && padID == *primary {
		additional[padID] = struct{}{}
	}

	for tokenType, tokens := range caps.SpecialTokens() {
		name := strings.ToLower(tokenType)
		if !strings.Contains(name, "eos") && !strings.Contains(name, "end") {
			continue
		}
		for _, token := range tokens {
			if id, ok := caps.TokenToID(token); ok {
				additional[id] = struct{}{}
			}
		}
	}

	for token, id := range caps.Vocab() {
		lowered := strings.ToLower(token)
		for _, pattern := range eosVocabPatterns {
			if strings.Contains(lowered, pattern) {
				additional[id] = struct{}{}
				break
			}
		}
	}

	if primary != nil {
		delete(additional, *primary)
	}

	detected.Additional = make([]int, 0, len(additional))
	for id := range additional {
		detected.Additional = append(detected.Additional, id)
	}
	sort.Ints(detected.Additional)

	return detected
}
