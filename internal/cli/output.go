package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/EternisAI/buildctl/internal/api"
)

func (d *Dispatcher) renderResources(resources []api.Resource) error {
	if len(resources) == 0 {
		fmt.Fprintln(d.stdout, "No resources found.")
		return nil
	}

	w := tabwriter.NewWriter(d.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tSTATE\tCREATED")
	for _, r := range resources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Name, orDash(r.State), orDash(r.CreatedAt))
	}
	return w.Flush()
}

func (d *Dispatcher) renderRun(run api.BuildRun) error {
	w := tabwriter.NewWriter(d.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run ID:\t%s\n", run.ID)
	if run.WorkflowID != "" {
		fmt.Fprintf(w, "Workflow:\t%s\n", run.WorkflowID)
	}
	fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if run.StartedAt != "" {
		fmt.Fprintf(w, "Started:\t%s\n", run.StartedAt)
	}
	if run.FinishedAt != "" {
		fmt.Fprintf(w, "Finished:\t%s\n", run.FinishedAt)
	}
	return w.Flush()
}

// renderRequest displays the exchange dry-run mode would perform. The
// authorization header is attached at send time and is never shown.
func (d *Dispatcher) renderRequest(req api.Request) error {
	fmt.Fprintf(d.stdout, "DRY RUN: %s %s\n", req.Method, req.URL(d.baseURL))
	for _, name := range []string{"Idempotency-Key", "Content-Type"} {
		if value := req.Header.Get(name); value != "" {
			fmt.Fprintf(d.stdout, "%s: %s\n", name, value)
		}
	}
	if len(req.Body) > 0 {
		fmt.Fprintln(d.stdout)
		fmt.Fprintln(d.stdout, string(req.Body))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
