package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

type planOptions struct {
	host        hostOptions
	templateDir string
	skipPolicy  []string
}

func newPlanCommand(a *app) *cobra.Command {
	var opts planOptions

	cmd := &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Show which resources an apply would change",
		Long: `Probe every resource of a manifest without changing anything.

Resources are reported as converged (=), pending (+) or unknown (?) when the
probe itself failed. Later resources often depend on earlier ones, so a plan
is an estimate: a resource reported converged may still change once an
earlier pending resource has been applied.

Policy findings are printed but never block a plan.`,
		Example: `  # Preview changes on this machine
  converge plan tomcat.yaml

  # Preview changes on a remote machine
  converge plan tomcat.yaml --host deploy@web1.example.com --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlan(cmd.Context(), args[0], &opts)
		},
	}

	opts.host.addFlags(cmd)
	cmd.Flags().StringVar(&opts.templateDir, "templates", "", "template directory (default: templates/ next to the manifest)")
	cmd.Flags().StringSliceVar(&opts.skipPolicy, "skip-policy", nil, "policies to skip")

	return cmd
}

func (a *app) runPlan(ctx context.Context, path string, opts *planOptions) error {
	m, descriptors, err := a.loadManifest(ctx, path)
	if err != nil {
		return err
	}

	eng, err := a.newPolicyEngine(ctx, opts.skipPolicy)
	if err != nil {
		return err
	}
	if _, err := a.lint(ctx, eng, m, descriptors); err != nil && exitCode(err) != ExitInvalid {
		return err
	}

	h, err := opts.host.open(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	report, err := engine.NewRunner(newProvider(h, m, opts.templateDir)).Plan(ctx, descriptors)
	if err != nil {
		return err
	}
	return printPlan(a.out, a.opts.jsonOutput, report)
}
