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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set from main via ldflags
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "beamline",
	Short: "Beam-search decoding service",
	Long: `Beamline drives a token-generation engine with beam-search decoding.

It exposes an HTTP API for search requests and reports health and metrics
for operation in Kubernetes.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// mustBindPFlag binds a viper key to a flag and panics on failure. Binding
// only fails on programmer error (nil flag), never at runtime.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.beamline.yaml)")
	rootCmd.PersistentFlags().String("api-url", "http://0.0.0.0:8200", "address the API server listens on")
	rootCmd.PersistentFlags().String("engine-url", "http://localhost:8100", "base URL of the token-generation engine")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "json", "log style (json, console)")

	mustBindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	mustBindPFlag("engine_url", rootCmd.PersistentFlags().Lookup("engine-url"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
}

// initConfig reads in the config file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".beamline")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("BEAMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
