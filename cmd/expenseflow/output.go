package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/pipeline"
	"github.com/fatih/color"
)

// progress prints one line per finished step
type progress struct {
	expenseflow.BaseRunCallbacks
	quiet bool
}

func newProgress(quiet bool) *progress {
	return &progress{quiet: quiet}
}

func (p *progress) AfterStep(ctx context.Context, event *expenseflow.StepEvent) {
	if p.quiet {
		return
	}
	switch event.Status {
	case expenseflow.StepStatusCompleted:
		color.Green("  ✓ %s (%v)", event.StepID, event.Duration.Round(time.Millisecond))
	case expenseflow.StepStatusSuspended:
		color.Yellow("  ⏸ %s waiting for review", event.StepID)
	case expenseflow.StepStatusFailed:
		color.Red("  ✗ %s: %v", event.StepID, event.Error)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printResult(res *pipeline.Result) error {
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		color.Cyan("Run: %s", res.RunID)
		switch res.Kind {
		case expenseflow.RunResultSuspended:
			color.Yellow("Waiting for review at step %q. Draft:", res.StepID)
			if err := printJSON(res.SuspendPayload); err != nil {
				return err
			}
			fmt.Printf("\nApprove with: expenseflow resume %s\n", res.RunID)
		case expenseflow.RunResultSuccess:
			e := res.Expense
			color.Green("Saved expense %s", e.ID)
			fmt.Printf("  %s  %.2f %s  %s  [%s]\n", e.Merchant, e.Amount, e.Currency, e.Date, e.Category)
		}
	}
	if res.Kind == expenseflow.RunResultFailed {
		return res.Error
	}
	return nil
}

func printRun(run *expenseflow.Run, journal []*expenseflow.StepLogEntry) {
	color.Cyan("Run: %s", run.ID)
	fmt.Printf("  Workflow: %s\n", run.WorkflowName)
	fmt.Printf("  Status:   %s\n", statusColor(run.Status)(string(run.Status)))
	fmt.Printf("  Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Updated:  %s\n", run.UpdatedAt.Format("2006-01-02 15:04:05"))
	if run.Error != nil {
		color.Red("  Error:    %s", run.Error.Error())
	}

	fmt.Println()
	color.Magenta("Steps:")
	for _, rec := range run.Steps {
		fmt.Printf("  %-12s %s\n", rec.StepID, rec.Status)
	}
	if rec, ok := run.SuspendedStep(); ok {
		fmt.Println()
		color.Yellow("Pending review:")
		var pretty any
		if err := json.Unmarshal(rec.SuspendPayload, &pretty); err == nil {
			printJSON(pretty)
		}
	}
	if len(run.Output) > 0 {
		fmt.Println()
		color.Magenta("Output:")
		var pretty any
		if err := json.Unmarshal(run.Output, &pretty); err == nil {
			printJSON(pretty)
		}
	}
	if len(journal) > 0 {
		fmt.Println()
		color.Magenta("Journal:")
		for _, entry := range journal {
			line := fmt.Sprintf("  %s  %-12s %-10s %.3fs",
				entry.StartTime.Format("15:04:05"), entry.StepID, entry.Status, entry.Duration)
			if entry.Error != "" {
				line += "  " + entry.Error
			}
			fmt.Println(line)
		}
	}
}

func printSummaries(summaries []*expenseflow.RunSummary) {
	if len(summaries) == 0 {
		color.Blue("No runs")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTEP\tCREATED\tERROR")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.RunID, statusColor(s.Status)(string(s.Status)), s.CurrentStep,
			s.CreatedAt.Format("2006-01-02 15:04"), s.Error)
	}
	w.Flush()
}

func statusColor(status expenseflow.RunStatus) func(a ...any) string {
	switch status {
	case expenseflow.RunStatusCompleted:
		return color.New(color.FgGreen).SprintFunc()
	case expenseflow.RunStatusSuspended:
		return color.New(color.FgYellow).SprintFunc()
	case expenseflow.RunStatusFailed:
		return color.New(color.FgRed).SprintFunc()
	}
	return fmt.Sprint
}
