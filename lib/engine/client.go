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

// Package engine provides an HTTP client for a token-generation service
// that implements the single-token step contract.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/antflydb/beamline/lib/beam"
)

// Ensure Client implements the step interface
var _ beam.Stepper = (*Client)(nil)

const defaultStepTimeout = 30 * time.Second

// stepRequest is the wire form of one expansion request.
type stepRequest struct {
	RequestID   string         `json:"request_id"`
	Tokens      []int          `json:"tokens"`
	TopLogprobs int            `json:"top_logprobs"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Adapter     string         `json:"adapter,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// stepResponse is the wire form of one next-token distribution.
type stepResponse struct {
	RequestID string         `json:"request_id"`
	Logprobs  []tokenLogprob `json:"logprobs"`
}

type tokenLogprob struct {
	TokenID int     `json:"token_id"`
	Logprob float64 `json:"logprob"`
	Rank    int     `json:"rank"`
	Decoded string  `json:"decoded,omitempty"`
}

// Client calls a generation engine over HTTP. Each Step call is one POST
// to the engine's step endpoint; the client is safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates an engine client for the given base URL
// (e.g. "http://localhost:8100").
func NewClient(baseURL string, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("engine base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultStepTimeout},
		logger:  logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Step requests the top next-token log-probabilities for one candidate.
func (c *Client) Step(ctx context.Context, req *beam.StepRequest) ([]beam.TokenLogprob, error) {
	body, err := sonic.Marshal(stepRequest{
		RequestID:   req.RequestID,
		Tokens:      req.Tokens,
		TopLogprobs: req.TopLogprobs,
		Temperature: req.Temperature,
		MaxTokens:   1,
		Adapter:     req.Adapter,
		Payload:     req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding step request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/step", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building step request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("Engine step failed",
			zap.String("requestID", req.RequestID),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded stepResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding step response: %w", err)
	}

	out := make([]beam.TokenLogprob, len(decoded.Logprobs))
	for i, lp := range decoded.Logprobs {
		out[i] = beam.TokenLogprob{
			TokenID: lp.TokenID,
			Logprob: lp.Logprob,
			Rank:    lp.Rank,
			Decoded: lp.Decoded,
		}
	}
	return out, nil
}
