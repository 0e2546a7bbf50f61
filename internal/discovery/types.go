// Package discovery produces a reproducible, sorted list of relevant
// workspace artifacts for a task.
//
// Discovery runs a four-level fallback chain: informed (historical
// patterns), structural (glob + content match), minimal (extension
// listing), and empty. The final level always succeeds, so Discover
// never fails and downstream phases always receive a structurally valid
// result. Every level's output passes through one sort-and-deduplicate
// step, so the determinism guarantee holds regardless of which level
// answered.
package discovery

// Fallback levels, attempted in order. First success wins.
const (
	// LevelInformed ranks artifacts using accumulated historical
	// discovery patterns. Falls through when no history exists.
	LevelInformed = 1

	// LevelStructural is pure pattern matching: glob walk plus
	// content keyword search. No external dependency.
	LevelStructural = 2

	// LevelMinimal is a coarse listing filtered by common source-file
	// extensions. Near-instant, low quality.
	LevelMinimal = 3

	// LevelEmpty returns an empty but structurally valid result. It
	// always succeeds; discovery degrades rather than failing the
	// workflow.
	LevelEmpty = 4
)

// Attempt outcomes recorded in the fallback chain.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Attempt records one fallback level's outcome for observability.
type Attempt struct {
	Level   int    `json:"level"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the discovery output document.
type Result struct {
	// Items is the sorted, deduplicated list of artifact identifiers
	// (workspace-relative paths).
	Items []string `json:"items"`

	// Level is the fallback tier that produced the items (1-4).
	Level int `json:"level"`

	// Seed is derived deterministically from the task description so
	// any randomized tie-breaking is reproducible for the same input.
	Seed uint64 `json:"seed"`

	// FallbackChain is the ordered record of attempted levels.
	FallbackChain []Attempt `json:"fallback_chain"`
}
