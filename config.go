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

package beamline

// Config holds the Beamline node configuration.
type Config struct {
	// ApiUrl is the address the HTTP API listens on, e.g. "http://0.0.0.0:8200".
	ApiUrl string `json:"api_url" mapstructure:"api_url"`

	// EngineUrl is the base URL of the token-generation engine.
	EngineUrl string `json:"engine_url" mapstructure:"engine_url"`

	// Tokenizer selects the tokenizer backend: "bpe" (tiktoken) or
	// "huggingface". Defaults to "bpe".
	Tokenizer string `json:"tokenizer" mapstructure:"tokenizer"`

	// TokenizerEncoding names the tiktoken encoding for the "bpe" backend
	// ("cl100k_base" when empty).
	TokenizerEncoding string `json:"tokenizer_encoding" mapstructure:"tokenizer_encoding"`

	// TokenizerPath points at a HuggingFace tokenizer.json for the
	// "huggingface" backend.
	TokenizerPath string `json:"tokenizer_path" mapstructure:"tokenizer_path"`

	// EosToken and PadToken name the special tokens of the HuggingFace
	// backend (e.g. "</s>", "<pad>").
	EosToken string `json:"eos_token" mapstructure:"eos_token"`
	PadToken string `json:"pad_token" mapstructure:"pad_token"`

	// MaxConcurrentSteps caps in-flight expansion requests per search.
	// 0 means unbounded.
	MaxConcurrentSteps int `json:"max_concurrent_steps" mapstructure:"max_concurrent_steps"`

	// MaxConcurrentRequests and MaxQueueSize bound the API request queue.
	MaxConcurrentRequests int `json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	MaxQueueSize          int `json:"max_queue_size" mapstructure:"max_queue_size"`

	// RequestTimeout bounds how long a request may wait in the queue,
	// as a duration string ("30s"). Empty or "0" disables the timeout.
	RequestTimeout string `json:"request_timeout" mapstructure:"request_timeout"`

	// CacheTTL controls how long completed search results are cached,
	// as a duration string ("2m"). "0" disables the cache; empty uses
	// the default TTL.
	CacheTTL string `json:"cache_ttl" mapstructure:"cache_ttl"`

	// DefaultBeamWidth and DefaultMaxTokens apply when a request omits them.
	DefaultBeamWidth int `json:"default_beam_width" mapstructure:"default_beam_width"`
	DefaultMaxTokens int `json:"default_max_tokens" mapstructure:"default_max_tokens"`
}
