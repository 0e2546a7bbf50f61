package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/praxislabs/conduct/internal/workflow"
)

var (
	taskDescription string
	taskSourceRef   string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow spec against a task",
	Long: `Run a workflow spec against a task.

The spec is validated before any phase executes; cyclic dependencies,
unknown handlers, and other configuration errors exit with code 2
without starting the workflow.

Examples:
  # Run the standard pipeline for a task
  conduct run pipeline.yaml --task "add pagination to the issue list"

  # Reference the originating issue
  conduct run pipeline.yaml --task "fix login redirect" --ref issue-142`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow.yaml> <workflow-id>",
	Short: "Resume an interrupted or failed workflow",
	Long: `Resume a workflow from its persisted state.

Completed phases are not re-executed; failed and interrupted phases are
reopened and retried.

Examples:
  conduct resume pipeline.yaml 2f1c8a0e-4b6d-4f0a-9c1e-7d2b5a8e3f61`,
	Args: cobra.ExactArgs(2),
	RunE: runResume,
}

func init() {
	runCmd.Flags().StringVar(&taskDescription, "task", "", "task description (required)")
	runCmd.Flags().StringVar(&taskSourceRef, "ref", "", "task origin reference (issue id, spec path)")
	_ = runCmd.MarkFlagRequired("task")
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	spec, err := workflow.LoadSpec(args[0], app.executor.Builtins())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := app.orch.Run(ctx, spec, workflow.Task{
		Description: taskDescription,
		SourceRef:   taskSourceRef,
	})
	if err != nil {
		return err
	}

	printResult(result)
	if !result.Success {
		return errWorkflowFailed
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	spec, err := workflow.LoadSpec(args[0], app.executor.Builtins())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := app.orch.Resume(ctx, spec, args[1])
	if err != nil {
		return err
	}

	printResult(result)
	if !result.Success {
		return errWorkflowFailed
	}
	return nil
}

func printResult(result *workflow.Result) {
	fmt.Printf("workflow: %s\n", result.WorkflowID)
	for _, pr := range result.Phases {
		line := fmt.Sprintf("  %-12s %s", pr.Phase, pr.Status)
		if pr.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", pr.Attempts)
		}
		if pr.Error != "" {
			line += " - " + pr.Error
		}
		fmt.Println(line)
	}
	if result.Success {
		fmt.Println("result: success")
	} else {
		fmt.Println("result: failure")
	}
}
