package engine

import (
	"fmt"
	"strings"

	"github.com/nidhogg/foreman/internal/task"
)

// sectionTitles maps roles to their report headings.
var sectionTitles = map[string]string{
	"researcher": "Research Findings",
	"analyst":    "Analysis",
	"writer":     "Deliverable",
	"reviewer":   "Review",
}

// synthesize assembles the final report from a task's history: the latest
// successful output of each role, in the order the roles first produced
// work, followed by a run summary.
func synthesize(t *task.Task) string {
	order := make([]string, 0, 4)
	latest := make(map[string]string)
	for _, rec := range t.History {
		if rec.Err != "" || rec.Output == "" {
			continue
		}
		if _, seen := latest[rec.AgentRole]; !seen {
			order = append(order, rec.AgentRole)
		}
		latest[rec.AgentRole] = rec.Output
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Task Report\n\n**Query:** %s\n\n", t.Query)

	if len(order) == 0 {
		b.WriteString("No agent output was produced for this task.\n\n")
	}
	for _, role := range order {
		title := sectionTitles[role]
		if title == "" {
			title = role + " Output"
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, latest[role])
	}

	fmt.Fprintf(&b, "---\nAgents: %s | Iterations: %d/%d\n",
		joinOrNone(t.CompletedAgents), t.IterationCount, t.MaxIterations)
	return b.String()
}

func joinOrNone(agents []string) string {
	if len(agents) == 0 {
		return "none"
	}
	return strings.Join(agents, ", ")
}
