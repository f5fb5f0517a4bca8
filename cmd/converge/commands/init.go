package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/stores"
)

const exampleManifest = `# Example manifest. Resources are converged in order and the run stops at
# the first failure.
name: example

variables:
  app_user: app
  app_home: /opt/app
  port: 8080

resources:
  - kind: package
    name: curl

  - kind: group
    name: ${app_user}
    attributes:
      system: true

  - kind: user
    name: ${app_user}
    attributes:
      group: ${app_user}
      home: ${app_home}
      shell: /sbin/nologin
      system: true

  - kind: directory
    name: ${app_home}
    attributes:
      owner: ${app_user}
      group: ${app_user}
      mode: "0755"

  - kind: template
    name: ${app_home}/app.conf
    attributes:
      source: app.conf.tmpl
      owner: ${app_user}
      group: ${app_user}
      mode: "0640"
`

const exampleTemplate = `# Rendered by converge.
user = {{ .app_user }}
home = {{ .app_home }}
port = {{ .port }}
`

const examplePolicy = `# Require package versions to be pinned.
# severity: warning
package converge.policies.pinned

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "package"
	not r.attributes.version
	violation := {
		"message": sprintf("package %s has no pinned version", [r.name]),
		"resource": r.id,
		"index": r.index,
	}
}
`

type initOptions struct {
	force  bool
	sshKey bool
}

func newInitCommand(a *app) *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an example manifest and the state directory",
		Long: `Create an example manifest with a template and a policy in dir (default:
the current directory) and initialize the run history database.

With --ssh-key an ed25519 key pair is generated in the state directory for
converging remote hosts.`,
		Example: `  # Start a new project
  converge init webserver

  # Also generate an SSH key pair
  converge init --ssh-key`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return a.runInit(cmd.Context(), dir, &opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite existing files")
	cmd.Flags().BoolVar(&opts.sshKey, "ssh-key", false, "generate an ed25519 SSH key pair")

	return cmd
}

func (a *app) runInit(ctx context.Context, dir string, opts *initOptions) error {
	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, "converge.yaml"), exampleManifest},
		{filepath.Join(dir, "templates", "app.conf.tmpl"), exampleTemplate},
		{filepath.Join(dir, "policies", "pinned.rego"), examplePolicy},
	}
	for _, f := range files {
		written, err := writeExample(f.path, f.content, opts.force)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(a.out, "created %s\n", f.path)
		} else {
			fmt.Fprintf(a.out, "kept    %s\n", f.path)
		}
	}

	store, err := stores.Open(ctx, a.settings.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize run history: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "initialized %s\n", a.settings.DatabasePath())

	if opts.sshKey {
		keyPath := filepath.Join(a.settings.StateDir, "keys", "converge-ed25519")
		created, err := generateKey(keyPath)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(a.out, "generated %s\n", keyPath)
		} else {
			fmt.Fprintf(a.out, "kept    %s\n", keyPath)
		}
	}

	manifest := filepath.Join(dir, "converge.yaml")
	fmt.Fprintf(a.out, "\nNext steps:\n")
	fmt.Fprintf(a.out, "  converge validate %s --policy-dir %s\n", manifest, filepath.Join(dir, "policies"))
	fmt.Fprintf(a.out, "  converge plan %s\n", manifest)
	fmt.Fprintf(a.out, "  converge apply %s\n", manifest)
	return nil
}

// writeExample writes content to path unless the file exists and force is
// unset. It reports whether the file was written.
func writeExample(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// generateKey writes an ed25519 key pair to path and path.pub. An existing
// key is never replaced.
func generateKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(privKey, "converge")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	log.Debug().Str("key", path).Msg("generated SSH key pair")
	return true, nil
}
