package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/yuya-takeyama/cc-console/internal/api"
	"github.com/yuya-takeyama/cc-console/internal/approval"
	"github.com/yuya-takeyama/cc-console/internal/channel"
	"github.com/yuya-takeyama/cc-console/internal/config"
	"github.com/yuya-takeyama/cc-console/internal/console"
	"github.com/yuya-takeyama/cc-console/internal/discovery"
	"github.com/yuya-takeyama/cc-console/internal/logger"
	"github.com/yuya-takeyama/cc-console/internal/notify"
	"github.com/yuya-takeyama/cc-console/internal/session"
	"github.com/yuya-takeyama/cc-console/internal/store"
	"github.com/yuya-takeyama/cc-console/pkg/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.Setup(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	// Full wire traffic goes to a separate JSONL file next to the main log.
	frameLog, err := logger.NewFrameLogger(filepath.Join(filepath.Dir(cfg.Logging.Output), "frames.jsonl"))
	if err != nil {
		log.Fatalf("Failed to open frame log: %v", err)
	}
	defer frameLog.Close()

	registry, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open session registry: %v", err)
	}
	defer registry.Close()

	apiClient := api.New(cfg.Orchestrator.BaseURL, logg, api.WithTimeout(cfg.Orchestrator.Timeout))
	notifier := notify.New(cfg.Notify.SlackWebhookURL, cfg.Notify.Channel, logg)

	workingDir := cfg.Session.WorkingDir
	if workingDir == "" {
		if workingDir, err = os.Getwd(); err != nil {
			log.Fatalf("Failed to determine working directory: %v", err)
		}
	}

	// The console and status hook are created after the controller, so the
	// handlers capture them by reference.
	var cons *console.Console
	var onStatus func(session.Status)
	var ctrl *session.Controller

	ctrl = session.NewController(session.Options{
		API:      apiClient,
		Dialer:   channel.NewWebSocketDialer(),
		Logger:   logg,
		FrameLog: frameLog,
		Handlers: session.Handlers{
			OnEvent: func(ev session.Event) {
				if cons != nil {
					cons.PrintEvent(ev)
				}
			},
			OnStatus: func(st session.Status) {
				if onStatus != nil {
					onStatus(st)
				}
			},
		},
		ApprovalHandlers: approval.Handlers{
			OnRequest: func(req types.ApprovalRequest) {
				if cons != nil {
					cons.PrintApprovalPrompt(req)
				}
				notifier.ApprovalRequested(ctrl.Identity().SessionID, req)
			},
		},
		WorkingDir:     workingDir,
		PermissionMode: cfg.Session.PermissionMode,
		SettleDelay:    cfg.Session.SettleDelay,
		EchoTimeout:    cfg.Session.EchoTimeout,
	})
	defer ctrl.Close()

	// Hook notifications and the registry onto lifecycle changes.
	onStatus = func(st session.Status) {
		id := ctrl.Identity()
		switch {
		case st == session.StatusActive && id.SessionID != "":
			if err := registry.Record(context.Background(), store.SessionRecord{
				SessionID:  id.SessionID,
				WorkingDir: id.WorkingDir,
			}); err != nil {
				logg.Warn().Err(err).Msg("Failed to record session")
			}
		case st == session.StatusInactive && id.SessionID != "":
			notifier.SessionCompleted(id.SessionID)
		}
	}

	projectsDir := cfg.Discovery.ProjectsDir
	if projectsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			projectsDir = filepath.Join(home, ".claude", "projects")
		}
	}

	var finder console.SessionFinder
	if projectsDir != "" {
		scanner := discovery.NewScanner(projectsDir, logg)
		finder = scanner

		watcher := discovery.NewWatcher(scanner, cfg.Discovery.Debounce, func(sessions []discovery.Session) {
			logg.Debug().Int("count", len(sessions)).Msg("Local session list refreshed")
		}, logg)
		if err := watcher.Start(); err != nil {
			logg.Warn().Err(err).Str("dir", projectsDir).Msg("Session discovery disabled")
		} else {
			defer watcher.Stop()
		}
	}

	cons = console.New(ctrl, ctrl.Approvals(), apiClient, finder, os.Stdout, logg)

	// Ctrl-C tears the channels down before exit.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logg.Info().Msg("Shutting down")
		ctrl.Close()
		os.Exit(0)
	}()

	logg.Info().
		Str("orchestrator", cfg.Orchestrator.BaseURL).
		Str("working_dir", workingDir).
		Str("permission_mode", cfg.Session.PermissionMode).
		Msg("cc-console started")

	if err := cons.Run(context.Background(), os.Stdin); err != nil {
		log.Fatalf("Console error: %v", err)
	}
}
