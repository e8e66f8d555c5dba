package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/interview-gateway/internal/pkg/config"
)

var (
	cfgPath  string
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:           "interview-gateway",
	Short:         "Interview session orchestration and agent webhook reconciliation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default $IGW_CONFIG or config.yaml)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath resolves the --config flag, then IGW_CONFIG, then the default.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging builds the process logger. The level stays adjustable through
// logLevel so config reloads can change it.
func setupLogging(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logLevel.Set(level)

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
