package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun reports the outcome of every resource and the run summary.
func printRun(w io.Writer, asJSON bool, run *engine.Run) error {
	if asJSON {
		return writeJSON(w, struct {
			*engine.Run
			Summary engine.RunSummary `json:"summary"`
		}{run, run.Summary()})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range run.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Outcome, r.Descriptor.ID(), round(r.Duration))
		if r.Error != nil {
			fmt.Fprintf(tw, "\t  %s\n", r.Error.Error())
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := run.Summary()
	_, err := fmt.Fprintf(w, "\nrun %s %s: %d applied, %d already converged, %d failed, %d not reached (%s)\n",
		run.ID, run.Status, s.Applied, s.AlreadyConverged, s.Failed, s.NotReached, round(run.Duration()))
	return err
}

// printPlan reports which resources an apply would change.
func printPlan(w io.Writer, asJSON bool, report *engine.PlanReport) error {
	if asJSON {
		return writeJSON(w, report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	var pending, unknown int
	for _, item := range report.Items {
		mark := "="
		note := "converged"
		switch {
		case item.Error != nil:
			mark, note = "?", item.Error.Error()
			unknown++
		case !item.Converged:
			mark, note = "+", string(item.Descriptor.Action())
			pending++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, item.Descriptor.ID(), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nplan: %d to apply, %d converged, %d unknown\n",
		pending, len(report.Items)-pending-unknown, unknown)
	return err
}

// printLint reports policy findings of a manifest.
func printLint(w io.Writer, asJSON bool, name string, count int, result *policy.Result) error {
	if asJSON {
		return writeJSON(w, struct {
			Manifest  string `json:"manifest"`
			Resources int    `json:"resources"`
			*policy.Result
		}{name, count, result})
	}

	for _, v := range result.Violations {
		fmt.Fprintln(w, v.String())
	}
	status := "valid"
	if !result.Allowed {
		status = "denied by policy"
	}
	_, err := fmt.Fprintf(w, "manifest %s: %d resources, %s\n", name, count, status)
	return err
}

// printRuns lists recorded runs.
func printRuns(w io.Writer, asJSON bool, runs []*stores.RunRecord) error {
	if asJSON {
		return writeJSON(w, runs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tHOST\tMANIFEST\tSTATUS\tAPPLIED\tCONVERGED\tFAILED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Host, r.Manifest, r.Status,
			r.Applied, r.AlreadyConverged, r.Failed, round(r.Duration()))
	}
	return tw.Flush()
}

// printRunDetail shows one recorded run with its results.
func printRunDetail(w io.Writer, asJSON bool, run *stores.RunRecord, results []*stores.ResultRecord) error {
	if asJSON {
		return writeJSON(w, struct {
			*stores.RunRecord
			Results []*stores.ResultRecord `json:"results"`
		}{run, results})
	}

	fmt.Fprintf(w, "run:       %s\n", run.ID)
	fmt.Fprintf(w, "manifest:  %s (%s)\n", run.Manifest, run.Source)
	fmt.Fprintf(w, "host:      %s\n", run.Host)
	fmt.Fprintf(w, "status:    %s\n", run.Status)
	fmt.Fprintf(w, "started:   %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "duration:  %s\n", round(run.Duration()))
	if run.Error != nil {
		fmt.Fprintf(w, "error:     %s\n", *run.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Position+1, r.Outcome, r.ID(), r.Action, round(r.Duration))
		if r.Error != nil {
			fmt.Fprintf(tw, "\t\t  %s\t\t\n", *r.Error)
		}
	}
	if n := run.NotReached(); n > 0 {
		fmt.Fprintf(tw, "\t... %d not reached\n", n)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Millisecond)
}
