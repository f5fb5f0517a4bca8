package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newValidateCommand(a *app) *cobra.Command {
	var skipPolicy []string

	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate and lint a manifest",
		Long: `Validate a manifest without touching any machine.

The manifest is parsed, checked against the resource schema and linted with
the built-in policies and any .rego policies in the policy directory. The
command exits with status 2 when the manifest is invalid or a policy with
severity "error" is violated.`,
		Example: `  # Validate a manifest
  converge validate tomcat.yaml

  # Validate without the command guard
  converge validate tomcat.yaml --skip-policy command-guard`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runValidate(cmd.Context(), args[0], skipPolicy)
		},
	}

	cmd.Flags().StringSliceVar(&skipPolicy, "skip-policy", nil, "policies to skip")

	return cmd
}

func (a *app) runValidate(ctx context.Context, path string, skip []string) error {
	m, descriptors, err := a.loadManifest(ctx, path)
	if err != nil {
		return err
	}

	eng, err := a.newPolicyEngine(ctx, skip)
	if err != nil {
		return err
	}
	result, lintErr := a.lint(ctx, eng, m, descriptors)
	if result == nil {
		return lintErr
	}

	if err := printLint(a.out, a.opts.jsonOutput, m.Name, len(descriptors), result); err != nil {
		return err
	}
	return lintErr
}
