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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaps is a simple capabilities implementation for testing
type fakeCaps struct {
	eosID     int
	hasEOS    bool
	padID     int
	hasPad    bool
	special   map[string][]string
	tokenToID map[string]int
	vocab     map[string]int
}

func (f *fakeCaps) EOSID() (int, bool) { return f.eosID, f.hasEOS }
func (f *fakeCaps) PadID() (int, bool) { return f.padID, f.hasPad }
func (f *fakeCaps) SpecialTokens() map[string][]string {
	return f.special
}
func (f *fakeCaps) TokenToID(token string) (int, bool) {
	id, ok := f.tokenToID[token]
	return id, ok
}
func (f *fakeCaps) Vocab() map[string]int { return f.vocab }

func TestDetectStopTokens_NilCapabilities(t *testing.T) {
	stops := DetectStopTokens(nil)
	assert.Nil(t, stops.Primary)
	assert.Empty(t, stops.Additional)
}

func TestDetectStopTokens_PrimaryOnly(t *testing.T) {
	stops := DetectStopTokens(&fakeCaps{eosID: 2, hasEOS: true})

	require.NotNil(t, stops.Primary)
	assert.Equal(t, 2, *stops.Primary)
	assert.Empty(t, stops.Additional)
}

func TestDetectStopTokens_NoEOSReported(t *testing.T) {
	stops := DetectStopTokens(&fakeCaps{})
	assert.Nil(t, stops.Primary)
	assert.Empty(t, stops.Additional)
}

func TestDetectStopTokens_SpecialTokensByName(t *testing.T) {
	stops := DetectStopTokens(&fakeCaps{
		eosID:  2,
		hasEOS: true,
		special: map[string][]string{
			"eos_token":     {"</s>"},
			"end_of_turn":   {"<|eot|>"},
			"bos_token":     {"<s>"},
			"unknown_token": {"<unk>"},
		},
		tokenToID: map[string]int{
			"</s>":    2,
			"<|eot|>": 7,
			"<s>":     1,
			"<unk>":   0,
		},
	})

	require.NotNil(t, stops.Primary)
	assert.Equal(t, 2, *stops.Primary)
	// Only token types mentioning "eos" or "end" are considered, and the
	// primary id is excluded from the additional set.
	assert.Equal(t, []int{7}, stops.Additional)
}

func TestDetectStopTokens_VocabPatterns(t *testing.T) {
	stops := DetectStopTokens(&fakeCaps{
		eosID:  2,
		hasEOS: true,
		vocab: map[string]int{
			"hello":   100,
			"</s>":    2,
			"<eos>":   5,
			"<|end|>": 9,
			"world":   101,
		},
	})

	require.NotNil(t, stops.Primary)
	assert.Equal(t, []int{5, 9}, stops.Additional)
}

func TestDetectStopTokens_AdditionalSortedAndDeduplicated(t *testing.T) {
	stops := DetectStopTokens(&fakeCaps{
		eosID:  2,
		hasEOS: true,
		special: map[string][]string{
			"eos_token_alt": {"<eos>", "<|end|>"},
		},
		tokenToID: map[string]int{
			"<eos>":   5,
			"<|end|>": 9,
		},
		vocab: map[string]int{
			"<eos>":   5,
			"<|end|>": 9,
		},
	})

	assert.Equal(t, []int{5, 9}, stops.Additional)
}

func TestDetectStopTokens_UnresolvableSpecialTokenSkipped(t *testing.T) {
	stops := DetectStopTokens(&fakeCaps{
		eosID:  2,
		hasEOS: true,
		special: map[string][]string{
			"eos_token": {"<missing>"},
		},
	})

	assert.Empty(t, stops.Additional)
}
