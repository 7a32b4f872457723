package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillerhq/tiller/internal/config"
	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/runner"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/internal/thread"
	"github.com/tillerhq/tiller/pkg/types"
)

var (
	runDir         string
	runMode        string
	runModel       string
	runThread      string
	runAgentCmd    string
	runAutoApprove bool
	runTimeout     string
	runWatch       bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Execute a prompt against the agent service",
	Long: `Execute a prompt against the agent service and stream events as JSON
lines on stdout.

Examples:
  tiller run "Fix the bug in main.go"
  tiller run --mode plan "How should we split this package?"
  tiller run --thread 01J8ME3... "Continue from where we left off"
  tiller run --yolo "Refactor the config loader"`,
	RunE: runExecute,
}

func init() {
	runCmd.Flags().StringVarP(&runDir, "directory", "d", "", "Working directory")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Mode to run in")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override for this mode")
	runCmd.Flags().StringVarP(&runThread, "thread", "s", "", "Existing thread to continue")
	runCmd.Flags().StringVar(&runAgentCmd, "agent-cmd", "tiller-agent", "Agent service command (stdio protocol)")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Approve every tool call without asking")
	runCmd.Flags().BoolVar(&runAutoApprove, "yolo", false, "Alias for --auto-approve")
	runCmd.Flags().StringVarP(&runTimeout, "timeout", "t", "30m", "Maximum execution time (e.g. 5m, 1h)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload configuration on change")
}

func runExecute(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	timeout, err := time.ParseDuration(runTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	message := strings.Join(args, " ")
	if message == "" && runThread == "" {
		return fmt.Errorf("message required. Usage: tiller run \"your message\"")
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{Level: logging.ParseLevel(level), Pretty: prettyLogs})

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}

	st := store.New(dataDir)
	threads := thread.NewService(st)
	settings := thread.NewSettings(threads, st)
	bus := event.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	parts := strings.Fields(runAgentCmd)
	exec, err := runner.NewStdioService(ctx, parts[0], parts[1:]...)
	if err != nil {
		return fmt.Errorf("start agent service: %w", err)
	}
	defer exec.Close()

	ctrl, err := session.NewController(cfg, bus, exec, threads, settings, hook.NewRegistry())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if runWatch {
		watcher, werr := config.Watch(workDir, ctrl.ApplyConfig)
		if werr != nil {
			logging.Warn().Err(werr).Msg("config watch unavailable")
		} else {
			defer watcher.Close()
		}
	}

	done := make(chan struct{}, 1)
	enc := json.NewEncoder(os.Stdout)
	unsubscribe := bus.SubscribeAll(func(ev event.Event) {
		enc.Encode(ev)

		switch ev.Type {
		case event.ToolApprovalRequired:
			data, ok := ev.Data.(event.ApprovalRequiredData)
			if !ok {
				return
			}
			answer := session.Decline
			if runAutoApprove {
				answer = session.ApproveOnce
			}
			go ctrl.ResolveApproval(data.RequestID, answer)

		case event.StateChanged:
			if data, ok := ev.Data.(event.StateChangedData); ok && data.State == "idle" {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	if runThread != "" {
		if err := ctrl.SwitchThread(ctx, runThread); err != nil {
			return err
		}
	}
	if runMode != "" {
		if err := ctrl.SwitchMode(runMode); err != nil {
			return err
		}
	}
	if runModel != "" {
		ctrl.SwitchModel(ctx, runModel)
	}

	if message != "" {
		if err := ctrl.SendMessage(ctx, message); err != nil {
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			ctrl.Abort()
			return ctx.Err()
		}
	}
	return nil
}

func resolveDataDir(cfg *types.Config) (string, error) {
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tiller", "data"), nil
}
