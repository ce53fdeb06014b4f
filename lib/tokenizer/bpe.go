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
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Ensure BPE implements the capability and detokenizer interfaces
var _ Capabilities = (*BPE)(nil)
var _ Detokenizer = (*BPE)(nil)

// endOfTextToken is the end-of-text marker shared by tiktoken encodings.
const endOfTextToken = "<|endoftext|>"

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// BPE adapts OpenAI's tiktoken BPE tokenization to the capability
// interface. Tiktoken vocabularies are byte-level, so no string vocabulary
// is exposed; only the end-of-text special token is reported.
type BPE struct {
	tt         *tiktoken.Tiktoken
	eosID      int
	specialIDs map[string]int
}

// NewBPE creates a BPE adapter for the given tiktoken encoding
// ("cl100k_base" when empty).
func NewBPE(encoding string) (*BPE, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}

	tt, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("getting tiktoken encoding %q: %w", encoding, err)
	}

	ids := tt.Encode(endOfTextToken, []string{"all"}, nil)
	if len(ids) != 1 {
		return nil, fmt.Errorf("encoding %q has no single-token end-of-text marker", encoding)
	}

	return &BPE{
		tt:         tt,
		eosID:      ids[0],
		specialIDs: map[string]int{endOfTextToken: ids[0]},
	}, nil
}

// EOSID returns the end-of-text token id.
func (b *BPE) EOSID() (int, bool) {
	return b.eosID, true
}

// PadID reports no padding token; tiktoken encodings have none.
func (b *BPE) PadID() (int, bool) {
	return 0, false
}

// SpecialTokens returns the end-of-text marker as the only special token.
func (b *BPE) SpecialTokens() map[string][]string {
	return map[string][]string{"eos_token": {endOfTextToken}}
}

// TokenToID resolves known special tokens only.
func (b *BPE) TokenToID(token string) (int, bool) {
	id, ok := b.specialIDs[token]
	return id, ok
}

// Vocab returns nil: byte-level BPE has no enumerable string vocabulary.
func (b *BPE) Vocab() map[string]int {
	return nil
}

// Decode converts token ids back to text.
func (b *BPE) Decode(ids []int) string {
	return b.tt.Decode(ids)
}

// Encode converts text to token ids, allowing special tokens.
func (b *BPE) Encode(text string) []int {
	return b.tt.Encode(text, []string{"all"}, nil)
}
