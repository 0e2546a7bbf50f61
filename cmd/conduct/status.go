package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/praxislabs/conduct/internal/statestore"
	"github.com/praxislabs/conduct/internal/workflow"
)

var followStatus bool

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show the state of a workflow",
	Long: `Show per-phase status for a workflow.

With --follow, keeps printing state changes until the workflow reaches
a terminal status.

Examples:
  conduct status 2f1c8a0e-4b6d-4f0a-9c1e-7d2b5a8e3f61
  conduct status 2f1c8a0e-4b6d-4f0a-9c1e-7d2b5a8e3f61 --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persisted workflows",
	RunE:  runList,
}

func init() {
	statusCmd.Flags().BoolVarP(&followStatus, "follow", "f", false, "follow state changes until the workflow finishes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	workflowID := args[0]
	state, err := app.orch.State(cmd.Context(), workflowID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("unknown workflow %s", workflowID)
		}
		return err
	}
	printState(state)

	if !followStatus || state.Status.Terminal() {
		return nil
	}
	return followState(app, workflowID)
}

// followState re-prints the workflow state on every change until the
// workflow reaches a terminal status. The file backend gets inotify
// events; the sqlite backend polls.
func followState(app *app, workflowID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events <-chan struct{}
	if app.cfg.State.Backend == "file" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()

		// Watch the document's directory: atomic saves rename a temp
		// file over the state file, which replaces the watched inode.
		dir := filepath.Join(app.cfg.State.Dir, "live", "workflows", workflowID)
		if err := watcher.Add(dir); err != nil {
			return err
		}

		ch := make(chan struct{}, 1)
		go func() {
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
						select {
						case ch <- struct{}{}:
						default:
						}
					}
				case <-watcher.Errors:
				case <-ctx.Done():
					return
				}
			}
		}()
		events = ch
	} else {
		ch := make(chan struct{})
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ch <- struct{}{}
				case <-ctx.Done():
					return
				}
			}
		}()
		events = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			state, err := app.orch.State(ctx, workflowID)
			if err != nil {
				continue
			}
			fmt.Println()
			printState(state)
			if state.Status.Terminal() {
				return nil
			}
		}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ids, err := app.orch.Workflows(cmd.Context())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no workflows")
		return nil
	}

	for _, id := range ids {
		state, err := app.orch.State(cmd.Context(), id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  %-10s %s  %s\n",
			id, state.Status, state.SpecName, state.StartedAt.Format(time.RFC3339))
	}
	return nil
}

func printState(state *workflow.State) {
	fmt.Printf("workflow: %s\n", state.WorkflowID)
	fmt.Printf("status:   %s\n", state.Status)
	if state.Task.Description != "" {
		fmt.Printf("task:     %s\n", state.Task.Description)
	}
	fmt.Printf("updated:  %s\n", state.UpdatedAt.Format(time.RFC3339))

	names := make([]string, 0, len(state.Phases))
	for name := range state.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line := fmt.Sprintf("  %-12s %s", name, state.Phases[name])
		if res, ok := state.Results[name]; ok {
			if res.Attempts > 1 {
				line += fmt.Sprintf(" (%d attempts)", res.Attempts)
			}
			if res.Error != "" {
				line += " - " + res.Error
			}
		}
		fmt.Println(line)
	}
}
