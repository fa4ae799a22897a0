package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relaycheck/relaycheck/internal/state"
)

// FailureCount is one distinct failure message and how often it occurred.
type FailureCount struct {
	Message string
	Count   int
}

// Report is the end-of-run outcome handed to the CLI.
type Report struct {
	RunID    string
	Summary  state.RunSummary
	Failures []FailureCount
}

// Succeeded reports whether at least one task ended usefully, which is the
// process exit criterion.
func (report Report) Succeeded() bool {
	return report.Summary.Effective() > 0
}

func (orchestrator *Orchestrator) report() Report {
	report := Report{Summary: orchestrator.store.Summary()}
	if orchestrator.results != nil {
		report.RunID = orchestrator.results.RunID()
	}
	report.Failures = rankFailures(orchestrator.store.Snapshot(), orchestrator.store.Today())
	return report
}

// rankFailures counts today's distinct failure messages, most frequent first.
// Ties break alphabetically so the ordering is stable.
func rankFailures(snapshot state.Snapshot, today string) []FailureCount {
	counts := make(map[string]int)
	for _, site := range snapshot.Sites {
		if site.Removed || site.Skip {
			continue
		}
		for _, account := range site.Accounts {
			if account.Excluded || account.CheckinStatus != state.StatusFailed || account.CheckinDate != today {
				continue
			}
			message := account.Message
			if message == "" {
				message = "unknown failure"
			}
			counts[message]++
		}
	}

	failures := make([]FailureCount, 0, len(counts))
	for message, count := range counts {
		failures = append(failures, FailureCount{Message: message, Count: count})
	}
	sort.Slice(failures, func(first, second int) bool {
		if failures[first].Count != failures[second].Count {
			return failures[first].Count > failures[second].Count
		}
		return failures[first].Message < failures[second].Message
	})
	return failures
}

// Format renders the report for the terminal.
func (report Report) Format() string {
	var builder strings.Builder
	summary := report.Summary
	fmt.Fprintf(&builder, "sites: %d active, %d skipped\n", summary.ActiveSites, summary.SkippedSites)
	fmt.Fprintf(&builder, "tasks: %d total, %d success, %d already checked, %d failed, %d pending\n",
		summary.TotalTasks, summary.Success, summary.Already, summary.Failed, summary.Pending)
	if len(report.Failures) > 0 {
		builder.WriteString("failures:\n")
		for _, failure := range report.Failures {
			fmt.Fprintf(&builder, "  %3dx %s\n", failure.Count, failure.Message)
		}
	}
	return builder.String()
}
