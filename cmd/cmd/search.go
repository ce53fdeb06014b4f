// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/beamline/lib/beam"
	"github.com/antflydb/beamline/lib/engine"
	"github.com/antflydb/beamline/lib/tokenizer"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var searchCmd = &cobra.Command{
	Use:   "search [prompt]",
	Short: "Run a one-shot beam search",
	Long: `Run a single beam search against a token-generation engine and print
the ranked sequences as JSON.

Examples:
  # Search with defaults (beam width 4)
  beamline search "The capital of France is"

  # Wider beam, longer output
  beamline search --beam-width 8 --max-tokens 64 "Once upon a time"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	// Search command flags
	searchCmd.Flags().Int("beam-width", 4, "number of beams to keep per step")
	searchCmd.Flags().Int("max-tokens", 64, "maximum tokens to generate")
	searchCmd.Flags().Int("min-tokens", 0, "minimum tokens before EOS may terminate a beam")
	searchCmd.Flags().Float64("temperature", 0, "sampling temperature passed to the engine")
	searchCmd.Flags().Float64("length-penalty", 1.0, "length penalty exponent")
	searchCmd.Flags().Bool("ignore-eos", false, "keep generating past EOS tokens")
	searchCmd.Flags().Bool("raw-score", false, "rank by raw cumulative logprob instead of length-normalized score")
	searchCmd.Flags().String("encoding", "cl100k_base", "tiktoken encoding used to tokenize the prompt")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	encoding, _ := cmd.Flags().GetString("encoding")
	bpe, err := tokenizer.NewBPE(encoding)
	if err != nil {
		return fmt.Errorf("initializing tokenizer: %w", err)
	}

	client, err := engine.NewClient(viper.GetString("engine_url"), logger)
	if err != nil {
		return fmt.Errorf("creating engine client: %w", err)
	}

	searcher, err := beam.NewSearcher(client, bpe, bpe, logger)
	if err != nil {
		return fmt.Errorf("creating searcher: %w", err)
	}

	params := beam.DefaultSearchParams()
	params.BeamWidth, _ = cmd.Flags().GetInt("beam-width")
	params.MaxTokens, _ = cmd.Flags().GetInt("max-tokens")
	params.MinTokens, _ = cmd.Flags().GetInt("min-tokens")
	params.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	params.LengthPenalty, _ = cmd.Flags().GetFloat64("length-penalty")
	params.IgnoreEOS, _ = cmd.Flags().GetBool("ignore-eos")
	if raw, _ := cmd.Flags().GetBool("raw-score"); raw {
		params.ScoreMode = beam.ScoreModeRaw
	}

	promptText := args[0]
	tokenIDs := bpe.Encode(promptText)
	if len(tokenIDs) == 0 {
		return fmt.Errorf("prompt tokenized to zero tokens")
	}

	out, err := searcher.Search(ctx, &beam.Prompt{
		TokenIDs: tokenIDs,
		Text:     promptText,
	}, params)
	if err != nil {
		return fmt.Errorf("running search: %w", err)
	}

	data, err := gojson.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
