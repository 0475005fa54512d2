package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EternisAI/buildctl/internal/api"
	"github.com/EternisAI/buildctl/internal/cli"
	"github.com/EternisAI/buildctl/internal/credentials"
	"github.com/EternisAI/buildctl/internal/token"
)

var AppVersion string

var dryRun bool

func main() {
	InitConfig()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "buildctl",
		Short:   "CLI wrapper around the Build Cloud API",
		Long:    "buildctl issues signed requests against the Build Cloud API:\nlisting resources, registering workflows, triggering build runs and\nquerying their status.",
		Version: AppVersion,
		// Failures are reported by the dispatcher as "kind: message";
		// usage errors print usage themselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false,
		"construct and display the request without performing it")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "usage error: %v\n", err)
		_ = cmd.Usage()
		return err
	})

	root.AddCommand(
		newListResourcesCmd(),
		newCreateResourceCmd(),
		newTriggerActionCmd(),
		newGetStatusCmd(),
		newAuthCmd(),
	)

	return root
}

func newListResourcesCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "list-resources",
		Short: "List resources of a kind (" + strings.Join(api.ResourceKinds, ", ") + ")",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return usageError(cmd, "--kind is required")
			}

			dispatcher, err := newDispatcher()
			if err != nil {
				return err
			}
			return dispatcher.ListResources(cmd.Context(), kind)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "resource kind to list")
	return cmd
}

func newCreateResourceCmd() *cobra.Command {
	var (
		specFile      string
		name          string
		description   string
		triggerType   string
		branchPattern string
		tagPattern    string
		scheme        string
		actions       []string
	)

	cmd := &cobra.Command{
		Use:   "create-resource",
		Short: "Register a new workflow definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec api.WorkflowSpec

			if specFile != "" {
				data, err := os.ReadFile(specFile)
				if err != nil {
					return usageError(cmd, "read spec file: %v", err)
				}
				if err := json.Unmarshal(data, &spec); err != nil {
					return usageError(cmd, "parse spec file: %v", err)
				}
			} else {
				if name == "" || triggerType == "" || scheme == "" {
					return usageError(cmd, "--name, --trigger-type and --scheme are required unless --file is given")
				}
				parsed, err := parseActions(actions)
				if err != nil {
					return usageError(cmd, "%v", err)
				}
				spec = api.WorkflowSpec{
					Name:          name,
					Description:   description,
					TriggerType:   triggerType,
					BranchPattern: branchPattern,
					TagPattern:    tagPattern,
					Scheme:        scheme,
					Actions:       parsed,
				}
			}

			dispatcher, err := newDispatcher()
			if err != nil {
				return err
			}
			return dispatcher.CreateResource(cmd.Context(), spec)
		},
	}

	cmd.Flags().StringVar(&specFile, "file", "", "JSON file holding the workflow spec")
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringVar(&description, "description", "", "workflow description")
	cmd.Flags().StringVar(&triggerType, "trigger-type", "", "trigger type (branch, tag, pull_request, schedule)")
	cmd.Flags().StringVar(&branchPattern, "branch-pattern", "", "branch pattern the workflow triggers on")
	cmd.Flags().StringVar(&tagPattern, "tag-pattern", "", "tag pattern the workflow triggers on")
	cmd.Flags().StringVar(&scheme, "scheme", "", "build scheme")
	cmd.Flags().StringArrayVar(&actions, "action", nil,
		"workflow action as name[:platform[:destination]], repeatable, in order")
	return cmd
}

func newTriggerActionCmd() *cobra.Command {
	var (
		workflowID string
		branch     string
		tag        string
		commit     string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "trigger-action",
		Short: "Start a build run for a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowID == "" {
				return usageError(cmd, "--id is required")
			}

			dispatcher, err := newDispatcher()
			if err != nil {
				return err
			}
			params := api.TriggerParams{Branch: branch, Tag: tag, Commit: commit}
			return dispatcher.TriggerAction(cmd.Context(), workflowID, params, wait)
		},
	}

	cmd.Flags().StringVar(&workflowID, "id", "", "workflow ID to trigger")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to build")
	cmd.Flags().StringVar(&tag, "tag", "", "tag to build")
	cmd.Flags().StringVar(&commit, "commit", "", "commit to build")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the run reaches a terminal state")
	return cmd
}

func newGetStatusCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "get-status",
		Short: "Show the status of a build run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return usageError(cmd, "--id is required")
			}

			dispatcher, err := newDispatcher()
			if err != nil {
				return err
			}
			return dispatcher.GetStatus(cmd.Context(), runID)
		},
	}

	cmd.Flags().StringVar(&runID, "id", "", "build run ID")
	return cmd
}

func newAuthCmd() *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored API credentials",
	}

	var (
		keyID          string
		issuerID       string
		privateKeyPath string
	)

	login := &cobra.Command{
		Use:   "login",
		Short: "Store API credentials in the local credential store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyID == "" || issuerID == "" || privateKeyPath == "" {
				return usageError(cmd, "--key-id, --issuer-id and --private-key-path are required")
			}

			store, err := credentials.NewStore()
			if err != nil {
				return err
			}
			entry := credentials.StoreEntry{
				KeyID:          keyID,
				IssuerID:       issuerID,
				PrivateKeyPath: privateKeyPath,
			}
			if err := store.Save(entry); err != nil {
				cli.ReportError(cmd.ErrOrStderr(), err)
				return err
			}

			// Resolve immediately so a bad key fails here, not on first use.
			if _, err := credentials.NewResolver(store).Resolve(); err != nil {
				cli.ReportError(cmd.ErrOrStderr(), err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Credentials stored in %s\n", store.Path())
			return nil
		},
	}

	login.Flags().StringVar(&keyID, "key-id", "", "API key identifier")
	login.Flags().StringVar(&issuerID, "issuer-id", "", "API issuer identifier (UUID)")
	login.Flags().StringVar(&privateKeyPath, "private-key-path", "", "path to the EC P-256 private key PEM")

	auth.AddCommand(login)
	return auth
}

// newDispatcher wires credential resolution, token signing and the API
// client for one command invocation. Dry-run skips credential resolution
// entirely since no request is sent.
func newDispatcher() (*cli.Dispatcher, error) {
	var tokens api.TokenSource

	if !dryRun {
		store, err := credentials.NewStore()
		if err != nil {
			cli.ReportError(os.Stderr, err)
			return nil, err
		}
		cred, err := credentials.NewResolver(store).Resolve()
		if err != nil {
			cli.ReportError(os.Stderr, err)
			return nil, err
		}
		tokens = token.NewCachedSigner(token.NewSigner(), cred)
		slog.Debug("Resolved API credential", "key_id", cred.KeyID)
	}

	client := api.NewClient(config.API.BaseURL, tokens,
		api.WithTimeout(config.API.Timeout),
		api.WithMaxAttempts(config.API.MaxAttempts))

	return cli.NewDispatcher(client, config.API.BaseURL, dryRun, os.Stdout, os.Stderr), nil
}

func usageError(cmd *cobra.Command, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	fmt.Fprintf(cmd.ErrOrStderr(), "usage error: %v\n", err)
	_ = cmd.Usage()
	return err
}

// parseActions turns repeated --action flags into ordered workflow actions.
func parseActions(raw []string) ([]api.WorkflowAction, error) {
	actions := make([]api.WorkflowAction, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ":", 3)
		if parts[0] == "" {
			return nil, fmt.Errorf("action %q has no name", entry)
		}
		action := api.WorkflowAction{Name: parts[0]}
		if len(parts) > 1 {
			action.Platform = parts[1]
		}
		if len(parts) > 2 {
			action.Destination = parts[2]
		}
		actions = append(actions, action)
	}
	return actions, nil
}
