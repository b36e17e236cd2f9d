// Package main is the sorbetcfg CLI entry point. It is a thin shell
// around internal/config, internal/lsp, internal/workspaceindex, and
// internal/typecheck: CLI/config business logic and file-system
// watching are out of scope for this core, but the CLI's existence as
// an ambient-stack entry point is not.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/le-company/sorbetcfg/internal/cfg"
	"github.com/le-company/sorbetcfg/internal/config"
	"github.com/le-company/sorbetcfg/internal/tree"
)

var (
	cfgFile       string
	overridesFile string
	indexDir      string
	parallel      int
	verbose       bool
	debugMode     bool
)

var rootCmd = &cobra.Command{
	Use:   "sorbetcfg",
	Short: "CFG construction, normalization, and incremental typechecking over a workspace",
	Long: `sorbetcfg builds and normalizes control-flow graphs for a dynamic OOP
language and dispatches incremental, preemptible workspace-edit
typechecking, either as a one-shot batch run or as a stdio language
server loop.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "viper config file (default: .sorbetcfg.yaml)")
	rootCmd.PersistentFlags().StringVar(&overridesFile, "overrides", "", "optional YAML overrides file layered under flags/env")
	rootCmd.PersistentFlags().StringVar(&indexDir, "index-dir", ".sorbetcfg", "workspace index directory")
	rootCmd.PersistentFlags().IntVarP(&parallel, "parallel", "p", 0, "number of parallel workers (0 = auto)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable internal consistency checks (cfg.DebugMode, tree.DebugMode)")

	rootCmd.AddCommand(typecheckCmd)
	rootCmd.AddCommand(lspCmd)
}

func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sorbetcfg")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SORBETCFG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if parallel > 0 {
		viper.Set("parallel", parallel)
	}
	if verbose {
		viper.Set("verbose", true)
	}
	if debugMode {
		viper.Set("debug", true)
	}
	if indexDir != "" {
		viper.Set("index-dir", indexDir)
	}
}

// applyDebugMode flips the two package-level debug switches this core's
// consistency checks gate on to match cfg.DebugMode. Both default false;
// the CLI is the only caller that ever sets them true.
func applyDebugMode(c *config.Config) {
	cfg.DebugMode = c.DebugMode
	tree.DebugMode = c.DebugMode
}

func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error

	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("sorbetcfg: failed to initialize logger: %v", err))
	}
	return logger
}
