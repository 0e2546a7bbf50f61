// Package main implements the conduct CLI: running, resuming, and
// inspecting multi-phase workflows.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/praxislabs/conduct/internal/config"
	"github.com/praxislabs/conduct/internal/discovery"
	"github.com/praxislabs/conduct/internal/executor"
	"github.com/praxislabs/conduct/internal/logging"
	"github.com/praxislabs/conduct/internal/orchestrator"
	"github.com/praxislabs/conduct/internal/recovery"
	"github.com/praxislabs/conduct/internal/statestore"
	"github.com/praxislabs/conduct/internal/vcs"
	"github.com/praxislabs/conduct/internal/workflow"
)

var (
	// configFile is the optional YAML config path.
	configFile string
	// version information
	version = "dev"
)

// errWorkflowFailed distinguishes a failed run (exit 1) from a spec
// validation error (exit 2).
var errWorkflowFailed = errors.New("workflow failed")

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if errors.Is(err, workflow.ErrInvalidSpec) {
		os.Exit(2)
	}
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "conduct",
	Short: "Multi-phase workflow orchestration for agent-driven development",
	Long: `conduct runs development workflows: dependency-ordered phases executed
by external agents or builtin handlers, with checkpointed state,
automatic failure recovery, and deterministic artifact discovery.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(discoverCmd)
}

// app wires the services a command needs. Each command builds one app
// and closes it on exit.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     statestore.Store
	discovery *discovery.Service
	executor  *executor.Executor
	orch      *orchestrator.Orchestrator
}

func newApp() (*app, error) {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
	logCfg.Format = cfg.Logging.Format
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var history discovery.History
	if cfg.Discovery.HistoryPath != "" {
		h, err := discovery.NewChromemHistory(cfg.Discovery.HistoryPath, logger)
		if err != nil {
			logger.Warn("pattern history unavailable, informed discovery disabled", zap.Error(err))
		} else {
			history = h
		}
	}

	discCfg := discovery.DefaultConfig(cfg.Workspace.Root)
	discCfg.MaxItems = cfg.Discovery.MaxItems
	disc, err := discovery.NewService(discCfg, history, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	exec, err := executor.New(&executor.Config{
		LogDir:      cfg.Agent.LogDir,
		AgentRate:   rate.Limit(cfg.Agent.RatePerSecond),
		AgentBurst:  cfg.Agent.Burst,
		Environment: agentEnvironment(cfg),
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	registerBuiltins(exec, disc, store)

	engine := recovery.NewEngine(recovery.DefaultConfig(), nil, restoreLatest(store, logger), logger)

	var workspace *vcs.Workspace
	if cfg.Workspace.CommitEnabled {
		ws, err := vcs.Open(cfg.Workspace.Root, vcs.Author{
			Name:  cfg.Workspace.AuthorName,
			Email: cfg.Workspace.AuthorEmail,
		}, logger)
		if err != nil {
			if !errors.Is(err, vcs.ErrNotRepository) {
				store.Close()
				return nil, err
			}
			logger.Warn("workspace not under version control, batch commits disabled",
				zap.String("root", cfg.Workspace.Root))
		} else {
			workspace = ws
		}
	}

	orch, err := orchestrator.New(store, exec, engine, workspace, cfg.Workspace.Root, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		discovery: disc,
		executor:  exec,
		orch:      orch,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state store", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}

func openStore(cfg *config.Config, logger *zap.Logger) (statestore.Store, error) {
	switch cfg.State.Backend {
	case "sqlite":
		return statestore.NewSQLiteStore(filepath.Join(cfg.State.Dir, "conduct.db"), logger)
	default:
		return statestore.NewFileStore(cfg.State.Dir, logger)
	}
}

// registerBuiltins installs in-process phase handlers. The scout
// builtin runs artifact discovery, persists the discovery document
// alongside the workflow state, and reports the fallback level it
// landed on.
func registerBuiltins(exec *executor.Executor, disc *discovery.Service, store statestore.Store) {
	exec.RegisterBuiltin("scout", func(ctx context.Context, tc executor.TaskContext) (map[string]any, error) {
		result := disc.Discover(ctx, tc.Task.Description)
		if len(result.Items) > 0 {
			if err := disc.RecordPattern(ctx, tc.Task.Description, result.Items); err != nil {
				return nil, err
			}
		}
		if tc.WorkflowID != "" {
			key := "workflows/" + tc.WorkflowID + "/discovery"
			if err := store.Save(ctx, key, result); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			"items":   result.Items,
			"level":   result.Level,
			"summary": fmt.Sprintf("discovered %d artifacts at level %d", len(result.Items), result.Level),
		}, nil
	})
}

// restoreLatest returns the engine's checkpoint restore hook: roll the
// store back to the most recent checkpoint.
func restoreLatest(store statestore.Store, logger *zap.Logger) recovery.RestoreFunc {
	return func(ctx context.Context) error {
		infos, err := store.ListCheckpoints(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return statestore.ErrCheckpointNotFound
		}
		latest := infos[len(infos)-1]
		logger.Info("restoring from checkpoint", zap.String("checkpoint", latest.Name))
		return store.Restore(ctx, latest.Name)
	}
}

// agentEnvironment builds the opaque credential map handed to agent
// processes. Values are never logged or interpreted.
func agentEnvironment(cfg *config.Config) map[string]string {
	env := make(map[string]string)
	if cfg.Agent.Token.IsSet() {
		env["agent_token"] = cfg.Agent.Token.Value()
	}
	if cfg.Agent.Endpoint != "" {
		env["agent_endpoint"] = cfg.Agent.Endpoint
	}
	return env
}
