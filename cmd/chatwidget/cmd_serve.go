package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatwidget/internal/bridge"
	"github.com/user/chatwidget/internal/config"
	"github.com/user/chatwidget/internal/delivery"
	"github.com/user/chatwidget/internal/gateway"
	"github.com/user/chatwidget/internal/render"
	"github.com/user/chatwidget/internal/scheduler"
	"github.com/user/chatwidget/internal/telegram"
	"github.com/user/chatwidget/internal/tenant"
	"github.com/user/chatwidget/internal/types"
	"github.com/user/chatwidget/internal/widgetapi"
	"github.com/user/chatwidget/pkg/chatapi"
)

const pidFileName = "chatwidget.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the widget server, Telegram host and scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// keyValidator prefers a local tenants file over the remote validation
// endpoint.
func keyValidator(cfg *config.Config) (chatapi.KeyValidator, error) {
	if cfg.TenantsFile == "" {
		return chatapi.NewValidator(apiConfig(cfg), chatapi.DefaultRetryPolicy()), nil
	}
	reg, err := tenant.Load(cfg.TenantsFile)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	slog.Info("tenants loaded", "path", cfg.TenantsFile, "count", reg.Len())
	return reg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	conversations := conversationStore(cfg)
	transcripts := transcriptStore(cfg)
	tasks := taskStore(cfg)
	transport := chatapi.New(apiConfig(cfg))

	validator, err := keyValidator(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(gateway.Options{
		Transport:     transport,
		Engine:        engineConfig(cfg),
		DataDir:       cfg.DataDir,
		GuestDomain:   cfg.Telegram.GuestDomain,
		Transcripts:   transcripts,
		Conversations: conversations,
		MaxConcurrent: int64(cfg.MaxConcurrent),
	})
	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("chatwidget started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"api_base_url", cfg.API.BaseURL,
		"provider", cfg.Widget.Provider,
		"pid_file", pidPath,
	)

	ask := func(sessionKey, prompt string) (string, error) {
		return gw.Ask(ctx, types.SessionKey(sessionKey), prompt)
	}

	// Scheduled prompts run in the conversation that owns their session
	// key. Keys without a surface run headless.
	deliveryReg := delivery.NewRegistry()
	deliveryReg.SetFallback(func(sessionKey, prompt string) error {
		reply, err := ask(sessionKey, prompt)
		if err != nil {
			return err
		}
		slog.Info("task answered", "session_key", sessionKey, "reply_len", len(reply))
		return nil
	})

	if cfg.Telegram.Token != "" {
		counter, err := render.NewCounter("")
		if err != nil {
			slog.Warn("token counter unavailable", "error", err)
		}
		adapter, err := telegram.New(cfg.Telegram.Token, gw, telegram.Options{Counter: counter})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register("telegram:", adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(tasks, deliveryReg.Deliver)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "entries", sched.Entries())

	if cfg.HTTP.Enabled {
		bridgeSrv := bridge.NewServer(bridge.Options{
			Transport:     transport,
			Validator:     validator,
			Engine:        engineConfig(cfg),
			Transcripts:   transcripts,
			Conversations: conversations,
			CMS:           tenant.StaticCMS{},
		})
		defer bridgeSrv.Close()

		api := widgetapi.NewServer(widgetapi.Options{
			Validator:     validator,
			Bridge:        bridgeSrv,
			Tasks:         tasks,
			RunTask:       ask,
			Conversations: conversations,
			Transcripts:   transcripts,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
