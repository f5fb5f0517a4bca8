package resources

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

// Package identifies an OS package and, optionally, a version and the
// package manager to use.
type Package struct {
	Name    string
	Version string
	Manager string
}

// Supported package managers in detection order.
var packageManagers = []string{"apt", "dnf", "yum", "zypper"}

type packageHandler struct {
	packages PackageManager
}

func packageFrom(d engine.ResourceDescriptor) Package {
	return Package{Name: d.Name(), Version: d.Attr(AttrVersion), Manager: d.Attr(AttrManager)}
}

func (h *packageHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	return h.packages.Installed(ctx, packageFrom(d))
}

func (h *packageHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	return h.packages.Install(ctx, packageFrom(d))
}

// SystemPackages drives the host's package manager through dpkg-query, rpm
// and the install commands of apt, dnf, yum and zypper.
type SystemPackages struct {
	host host.Host

	mu       sync.Mutex
	detected string
}

// NewSystemPackages creates a package manager for h.
func NewSystemPackages(h host.Host) *SystemPackages {
	return &SystemPackages{host: h}
}

// Installed implements PackageManager. When a version is requested the
// installed version must start with it.
func (s *SystemPackages) Installed(ctx context.Context, pkg Package) (bool, error) {
	manager, err := s.manager(ctx, pkg)
	if err != nil {
		return false, err
	}

	var query string
	switch manager {
	case "apt":
		query = fmt.Sprintf("dpkg-query -W -f='${Status}\\t${Version}' %s", host.Quote(pkg.Name))
	default:
		query = fmt.Sprintf("rpm -q --queryformat 'install ok installed\\t%%{VERSION}-%%{RELEASE}' %s", host.Quote(pkg.Name))
	}

	res, err := s.host.Run(ctx, host.Command{Cmd: query})
	if err != nil {
		return false, classify("query package "+pkg.Name, err)
	}
	switch {
	case res.ExitCode == exitNotFound || res.ExitCode == exitCannotExecute:
		return false, exitFailure("query package "+pkg.Name, res)
	case !res.Success():
		return false, nil
	}

	status, version, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\t")
	if status != "install ok installed" {
		return false, nil
	}
	if pkg.Version != "" && !strings.HasPrefix(version, pkg.Version) {
		return false, nil
	}
	return true, nil
}

// Install implements PackageManager.
func (s *SystemPackages) Install(ctx context.Context, pkg Package) error {
	manager, err := s.manager(ctx, pkg)
	if err != nil {
		return err
	}

	spec := pkg.Name
	if pkg.Version != "" {
		switch manager {
		case "apt", "zypper":
			spec = fmt.Sprintf("%s=%s", pkg.Name, pkg.Version)
		default:
			spec = fmt.Sprintf("%s-%s", pkg.Name, pkg.Version)
		}
	}

	var cmd host.Command
	switch manager {
	case "apt":
		cmd = host.Command{
			Cmd: "apt-get install -y " + host.Quote(spec),
			Env: map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
		}
	case "zypper":
		cmd = host.Command{Cmd: "zypper --non-interactive install " + host.Quote(spec)}
	default:
		cmd = host.Command{Cmd: manager + " install -y " + host.Quote(spec)}
	}

	_, err = run(ctx, s.host, "install package "+pkg.Name, cmd)
	return err
}

func (s *SystemPackages) manager(ctx context.Context, pkg Package) (string, error) {
	if pkg.Manager != "" {
		if slices.Contains(packageManagers, pkg.Manager) {
			return pkg.Manager, nil
		}
		return "", engine.NewNotFound("select package manager", fmt.Errorf("unsupported package manager: %s", pkg.Manager))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detected != "" {
		return s.detected, nil
	}

	for _, m := range packageManagers {
		res, err := s.host.Run(ctx, host.Command{Cmd: "command -v " + m})
		if err != nil {
			return "", classify("detect package manager", err)
		}
		if res.Success() {
			s.detected = m
			return m, nil
		}
	}
	return "", engine.NewNotFound("detect package manager", fmt.Errorf("no supported package manager found"))
}
