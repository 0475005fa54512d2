package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/EternisAI/buildctl/internal/api"
	"github.com/EternisAI/buildctl/internal/credentials"
	"github.com/EternisAI/buildctl/internal/token"
)

// defaultPollInterval is how often trigger-action --wait re-queries run
// status.
const defaultPollInterval = 5 * time.Second

// Dispatcher maps the fixed operation vocabulary to API client calls and
// renders results. In dry-run mode it builds and displays the request
// without performing any HTTP exchange.
type Dispatcher struct {
	client       *api.Client
	baseURL      string
	dryRun       bool
	stdout       io.Writer
	stderr       io.Writer
	pollInterval time.Duration
}

func NewDispatcher(client *api.Client, baseURL string, dryRun bool, stdout, stderr io.Writer) *Dispatcher {
	return &Dispatcher{
		client:       client,
		baseURL:      baseURL,
		dryRun:       dryRun,
		stdout:       stdout,
		stderr:       stderr,
		pollInterval: defaultPollInterval,
	}
}

// ListResources handles the list-resources operation.
func (d *Dispatcher) ListResources(ctx context.Context, kind string) error {
	if d.dryRun {
		req, err := d.client.ListResourcesRequest(kind)
		if err != nil {
			return d.fail(err)
		}
		return d.renderRequest(req)
	}

	resources, err := d.client.ListResources(ctx, kind)
	if err != nil {
		return d.fail(err)
	}
	return d.renderResources(resources)
}

// CreateResource handles the create-resource operation.
func (d *Dispatcher) CreateResource(ctx context.Context, spec api.WorkflowSpec) error {
	if d.dryRun {
		req, err := d.client.CreateResourceRequest(spec)
		if err != nil {
			return d.fail(err)
		}
		return d.renderRequest(req)
	}

	created, err := d.client.CreateResource(ctx, spec)
	if err != nil {
		return d.fail(err)
	}

	fmt.Fprintf(d.stdout, "Created workflow %s (%s)\n", created.Name, created.ID)
	return nil
}

// TriggerAction handles the trigger-action operation. With wait set it polls
// the run until a terminal state and fails if the run did not complete.
func (d *Dispatcher) TriggerAction(ctx context.Context, workflowID string, params api.TriggerParams, wait bool) error {
	if d.dryRun {
		req, err := d.client.TriggerActionRequest(workflowID, params)
		if err != nil {
			return d.fail(err)
		}
		return d.renderRequest(req)
	}

	run, err := d.client.TriggerAction(ctx, workflowID, params)
	if err != nil {
		return d.fail(err)
	}

	fmt.Fprintf(d.stdout, "Triggered build run %s (status: %s)\n", run.ID, run.Status)

	if !wait {
		return nil
	}

	final, err := d.client.WaitForRun(ctx, run.ID, d.pollInterval)
	if err != nil {
		return d.fail(err)
	}
	if err := d.renderRun(final); err != nil {
		return err
	}
	if final.Status != api.StatusCompleted {
		return d.fail(fmt.Errorf("build run %s ended with status %s", final.ID, final.Status))
	}
	return nil
}

// GetStatus handles the get-status operation.
func (d *Dispatcher) GetStatus(ctx context.Context, runID string) error {
	if d.dryRun {
		req, err := d.client.GetStatusRequest(runID)
		if err != nil {
			return d.fail(err)
		}
		return d.renderRequest(req)
	}

	run, err := d.client.GetStatus(ctx, runID)
	if err != nil {
		return d.fail(err)
	}
	return d.renderRun(run)
}

// fail prints the failure kind and cause on stderr and returns the error so
// the process exits non-zero.
func (d *Dispatcher) fail(err error) error {
	ReportError(d.stderr, err)
	return err
}

// ReportError prints an error as "kind: message" for operator consumption.
func ReportError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %s\n", errorKind(err), errorMessage(err))
}

// errorKind names the failure per the client's taxonomy.
func errorKind(err error) string {
	var apiErr *api.Error
	switch {
	case errors.Is(err, credentials.ErrCredentialMissing):
		return "credential_missing"
	case errors.Is(err, credentials.ErrCredentialMalformed):
		return "credential_malformed"
	case errors.Is(err, token.ErrSigningFailure):
		return "signing_failure"
	case errors.As(err, &apiErr):
		return string(apiErr.Kind)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func errorMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
