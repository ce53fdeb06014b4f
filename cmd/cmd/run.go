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
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/beamline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var healthPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the beamline server",
	Long:  `Start the beamline server for beam-search decoding against a token-generation engine.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run command flags
	runCmd.Flags().IntVar(&healthPort, "health-port", 4300, "health/metrics server port")
	runCmd.Flags().String("tokenizer", "bpe", "tokenizer backend (bpe, huggingface)")
	runCmd.Flags().String("tokenizer-encoding", "cl100k_base", "tiktoken encoding for the bpe backend")
	runCmd.Flags().String("tokenizer-path", "", "path to tokenizer.json for the huggingface backend")
	runCmd.Flags().String("eos-token", "", "end-of-sequence token string for the huggingface backend")
	runCmd.Flags().String("pad-token", "", "padding token string for the huggingface backend")
	runCmd.Flags().Int("max-concurrent-steps", 0, "cap on in-flight engine requests per search (0 = unbounded)")
	runCmd.Flags().Int("max-concurrent-requests", 0, "cap on API requests processed at once (0 = unbounded)")
	runCmd.Flags().Int("max-queue-size", 0, "cap on API requests waiting for a slot")
	runCmd.Flags().String("request-timeout", "", "max time a request may wait in queue (e.g. 30s)")
	runCmd.Flags().String("cache-ttl", "", "TTL for cached search results (e.g. 2m, 0 to disable)")
	runCmd.Flags().Int("default-beam-width", 4, "beam width when a request omits it")
	runCmd.Flags().Int("default-max-tokens", 256, "max tokens when a request omits it")

	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
	mustBindPFlag("tokenizer", runCmd.Flags().Lookup("tokenizer"))
	mustBindPFlag("tokenizer_encoding", runCmd.Flags().Lookup("tokenizer-encoding"))
	mustBindPFlag("tokenizer_path", runCmd.Flags().Lookup("tokenizer-path"))
	mustBindPFlag("eos_token", runCmd.Flags().Lookup("eos-token"))
	mustBindPFlag("pad_token", runCmd.Flags().Lookup("pad-token"))
	mustBindPFlag("max_concurrent_steps", runCmd.Flags().Lookup("max-concurrent-steps"))
	mustBindPFlag("max_concurrent_requests", runCmd.Flags().Lookup("max-concurrent-requests"))
	mustBindPFlag("max_queue_size", runCmd.Flags().Lookup("max-queue-size"))
	mustBindPFlag("request_timeout", runCmd.Flags().Lookup("request-timeout"))
	mustBindPFlag("cache_ttl", runCmd.Flags().Lookup("cache-ttl"))
	mustBindPFlag("default_beam_width", runCmd.Flags().Lookup("default-beam-width"))
	mustBindPFlag("default_max_tokens", runCmd.Flags().Lookup("default-max-tokens"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as beamline")

	// Build beamline config from viper/env
	cfg := beamline.Config{
		ApiUrl:                viper.GetString("api_url"),
		EngineUrl:             viper.GetString("engine_url"),
		Tokenizer:             viper.GetString("tokenizer"),
		TokenizerEncoding:     viper.GetString("tokenizer_encoding"),
		TokenizerPath:         viper.GetString("tokenizer_path"),
		EosToken:              viper.GetString("eos_token"),
		PadToken:              viper.GetString("pad_token"),
		MaxConcurrentSteps:    viper.GetInt("max_concurrent_steps"),
		MaxConcurrentRequests: viper.GetInt("max_concurrent_requests"),
		MaxQueueSize:          viper.GetInt("max_queue_size"),
		RequestTimeout:        viper.GetString("request_timeout"),
		CacheTTL:              viper.GetString("cache_ttl"),
		DefaultBeamWidth:      viper.GetInt("default_beam_width"),
		DefaultMaxTokens:      viper.GetInt("default_max_tokens"),
	}

	// Track readiness state
	ready := &atomic.Bool{}
	ready.Store(false)
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	// Wait for ready signal in background
	go func() {
		<-readyC
		ready.Store(true)
		logger.Info("Beamline is ready")
	}()

	beamline.RunAsBeamline(ctx, logger, cfg, readyC)
	return nil
}
