package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/chatwidget/internal/config"
	"github.com/user/chatwidget/internal/engine"
	"github.com/user/chatwidget/internal/state"
	"github.com/user/chatwidget/pkg/chatapi"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "chatwidget",
	Short:         "Streaming chat widget client, dev server and Telegram host",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig exits on failure; every command needs a config.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log dir: %v\n", err)
		}
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

func apiConfig(cfg *config.Config) *chatapi.Config {
	return &chatapi.Config{
		BaseURL:     cfg.API.BaseURL,
		APIKey:      cfg.API.APIKey,
		Timeout:     cfg.API.Timeout.Std(),
		IdleTimeout: cfg.API.IdleTimeout.Std(),
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		APIKey:       cfg.API.APIKey,
		AppID:        cfg.Widget.AppID,
		Provider:     cfg.Widget.Provider,
		UserName:     cfg.Widget.UserName,
		Designation:  cfg.Widget.Designation,
		CaptureAppID: cfg.Widget.CaptureAppID,
	}
}

func conversationStore(cfg *config.Config) *state.ConversationStore {
	return state.NewConversationStore(cfg.DataDir)
}

func transcriptStore(cfg *config.Config) *state.TranscriptStore {
	return state.NewTranscriptStore(cfg.DataDir)
}

func taskStore(cfg *config.Config) *state.TaskStore {
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}
