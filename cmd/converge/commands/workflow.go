package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/resources"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// loadManifest loads and validates a manifest and expands it into
// descriptors.
func (a *app) loadManifest(ctx context.Context, path string) (*config.Manifest, []engine.ResourceDescriptor, error) {
	m, err := config.NewLoader(a.settings.StarlarkTimeout).Load(ctx, path)
	if err != nil {
		return nil, nil, invalid(err)
	}
	descriptors, err := m.Descriptors()
	if err != nil {
		return nil, nil, invalid(err)
	}
	return m, descriptors, nil
}

// newPolicyEngine creates a policy engine with the policy directory loaded
// and the named policies disabled.
func (a *app) newPolicyEngine(ctx context.Context, skip []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if a.settings.PolicyDir != "" {
		if err := eng.LoadDir(ctx, a.settings.PolicyDir); err != nil {
			return nil, invalid(err)
		}
	}
	for _, name := range skip {
		if err := eng.Disable(name); err != nil {
			return nil, invalid(err)
		}
	}
	return eng, nil
}

// lint evaluates the policies and logs every finding. The error is set when
// a blocking policy was violated.
func (a *app) lint(ctx context.Context, eng *policy.Engine, m *config.Manifest, descriptors []engine.ResourceDescriptor) (*policy.Result, error) {
	result, err := eng.Evaluate(ctx, policy.NewInput(m.Name, descriptors))
	if err != nil {
		return nil, err
	}

	for _, v := range result.Violations {
		event := log.Info()
		switch v.Severity {
		case policy.SeverityError:
			event = log.Error()
		case policy.SeverityWarning:
			event = log.Warn()
		}
		event.Str("policy", v.Policy).
			Str("resource", v.Resource).
			Msg(v.Message)
	}
	return result, invalid(result.Err())
}

// newProvider creates the resource provider for a manifest. Templates are
// read from templateDir, or from the templates directory next to the
// manifest.
func newProvider(h host.Host, m *config.Manifest, templateDir string) *resources.Provider {
	if templateDir == "" {
		templateDir = filepath.Join(m.Dir(), "templates")
	}
	return resources.NewProvider(h, resources.WithTemplateDir(templateDir))
}

// hostOptions select the machine to converge.
type hostOptions struct {
	target      string
	identity    string
	passwordEnv string
	useAgent    bool
	knownHosts  string
	insecure    bool
}

func (o *hostOptions) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.target, "host", "", "converge a remote host over SSH, as [user@]host[:port] (default user root)")
	flags.StringVarP(&o.identity, "identity", "i", "", "SSH private key (default ~/.ssh/id_ed25519, id_rsa or id_ecdsa)")
	flags.StringVar(&o.passwordEnv, "password-env", "", "authenticate with the password in this environment variable")
	flags.BoolVar(&o.useAgent, "agent", false, "authenticate with ssh-agent")
	flags.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	flags.BoolVar(&o.insecure, "insecure-ignore-host-key", false, "accept any SSH host key")
}

// open connects to the selected host. Without --host the local machine is
// converged.
func (o *hostOptions) open(ctx context.Context) (host.Host, error) {
	if o.target == "" {
		return host.NewLocal(), nil
	}

	cfg, err := ssh.ParseTarget(o.target)
	if err != nil {
		return nil, err
	}
	switch {
	case o.passwordEnv != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = os.Getenv(o.passwordEnv)
		if cfg.Password == "" {
			return nil, fmt.Errorf("environment variable %s is empty", o.passwordEnv)
		}
	case o.useAgent:
		cfg.AuthMethod = ssh.AuthMethodAgent
	default:
		cfg.PrivateKeyPath = o.identity
	}
	if o.knownHosts != "" {
		cfg.KnownHostsPath = o.knownHosts
	}
	cfg.StrictHostKeyChecking = !o.insecure

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg, err)
	}
	log.Info().Str("host", client.Name()).Msg("connected")
	return client, nil
}
