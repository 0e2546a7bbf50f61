package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var discoverJSONChain bool

var discoverCmd = &cobra.Command{
	Use:   "discover <task description...>",
	Short: "Run artifact discovery for a task",
	Long: `Run the discovery fallback chain for a task description and print the
matched artifacts. Output is deterministic: the same task against the
same workspace always prints the same sorted list.

Examples:
  conduct discover add pagination to the issue list
  conduct discover --chain fix login redirect`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverJSONChain, "chain", false, "print the fallback chain")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	task := strings.Join(args, " ")
	result := app.discovery.Discover(cmd.Context(), task)

	if discoverJSONChain {
		for _, attempt := range result.FallbackChain {
			fmt.Printf("level %d: %-9s %s\n", attempt.Level, attempt.Outcome, attempt.Detail)
		}
		fmt.Println()
	}

	fmt.Printf("level: %d, items: %d\n", result.Level, len(result.Items))
	for _, item := range result.Items {
		fmt.Println(item)
	}
	return nil
}
