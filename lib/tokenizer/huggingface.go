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

package tokenizer

import (
	"errors"

	"github.com/sugarme/tokenizer"
)

// Ensure HuggingFace implements the capability and detokenizer interfaces
var _ Capabilities = (*HuggingFace)(nil)
var _ Detokenizer = (*HuggingFace)(nil)

// HuggingFaceConfig names the special tokens of a HuggingFace-style
// tokenizer. Token strings left empty are reported as absent.
type HuggingFaceConfig struct {
	// EOSToken is the end-of-sequence token string (e.g. "</s>").
	EOSToken string
	// PadToken is the padding token string (e.g. "<pad>").
	PadToken string
	// SpecialTokens is an optional extra mapping of token type to token
	// strings, merged into the reported special tokens.
	SpecialTokens map[string][]string
}

// HuggingFace adapts a sugarme tokenizer to the capability interface.
type HuggingFace struct {
	tk      *tokenizer.Tokenizer
	config  HuggingFaceConfig
	special map[string][]string
}

// NewHuggingFace wraps an already-constructed sugarme tokenizer.
func NewHuggingFace(tk *tokenizer.Tokenizer, config HuggingFaceConfig) (*HuggingFace, error) {
	if tk == nil {
		return nil, errors.New("tokenizer is required")
	}

	special := make(map[string][]string, len(config.SpecialTokens)+2)
	for tokenType, tokens := range config.SpecialTokens {
		special[tokenType] = append([]string(nil), tokens...)
	}
	if config.EOSToken != "" {
		special["eos_token"] = append(special["eos_token"], config.EOSToken)
	}
	if config.PadToken != "" {
		special["pad_token"] = append(special["pad_token"], config.PadToken)
	}

	return &HuggingFace{
		tk:      tk,
		config:  config,
		special: special,
	}, nil
}

// EOSID resolves the configured end-of-sequence token to its id.
func (h *HuggingFace) EOSID() (int, bool) {
	if h.config.EOSToken == "" {
		return 0, false
	}
	return h.tk.TokenToId(h.config.EOSToken)
}

// PadID resolves the configured padding token to its id.
func (h *HuggingFace) PadID() (int, bool) {
	if h.config.PadToken == "" {
		return 0, false
	}
	return h.tk.TokenToId(h.config.PadToken)
}

// SpecialTokens returns the special-token mapping.
func (h *HuggingFace) SpecialTokens() map[string][]string {
	return h.special
}

// TokenToID resolves a token string via the underlying tokenizer.
func (h *HuggingFace) TokenToID(token string) (int, bool) {
	return h.tk.TokenToId(token)
}

// Vocab returns the tokenizer's vocabulary including added tokens.
func (h *HuggingFace) Vocab() map[string]int {
	return h.tk.GetVocab(true)
}

// Decode converts token ids back to text. Special tokens are kept so that
// callers control stop-token trimming themselves.
func (h *HuggingFace) Decode(ids []int) string {
	return h.tk.Decode(ids, false)
}
