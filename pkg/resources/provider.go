// Package resources implements the probe and apply logic for every resource
// kind converge understands.
//
// Each kind has a handler pairing a read-only probe with the minimal apply
// operation. Handlers reach the OS only through host.Host and the narrow
// collaborator interfaces below, so the same code converges the local machine
// or a remote one over SSH.
package resources

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

// PackageManager queries and installs OS packages.
type PackageManager interface {
	Installed(ctx context.Context, pkg Package) (bool, error)
	Install(ctx context.Context, pkg Package) error
}

// AccountDirectory queries and creates local groups and users.
type AccountDirectory interface {
	GroupExists(ctx context.Context, name string) (bool, error)
	CreateGroup(ctx context.Context, g Group) error
	UserExists(ctx context.Context, name string) (bool, error)
	CreateUser(ctx context.Context, u User) error
}

// Fetcher downloads a URL into w.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) error
}

// TemplateRenderer renders a named template with string variables.
type TemplateRenderer interface {
	Render(ctx context.Context, name string, vars map[string]string) ([]byte, error)
}

// ServiceManager queries and changes the running state of services.
type ServiceManager interface {
	Running(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// handler converges one resource kind.
type handler interface {
	probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error)
	apply(ctx context.Context, d engine.ResourceDescriptor) error
}

// Provider dispatches descriptors to the handler for their kind. It
// implements engine.Provider.
type Provider struct {
	host      host.Host
	packages  PackageManager
	accounts  AccountDirectory
	fetcher   Fetcher
	templates TemplateRenderer
	services  ServiceManager
	handlers  map[engine.ResourceKind]handler
}

var _ engine.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithPackageManager replaces the package manager detected on the host.
func WithPackageManager(pm PackageManager) Option {
	return func(p *Provider) { p.packages = pm }
}

// WithAccountDirectory replaces the getent/useradd based account directory.
func WithAccountDirectory(ad AccountDirectory) Option {
	return func(p *Provider) { p.accounts = ad }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(p *Provider) { p.fetcher = f }
}

// WithTemplateRenderer replaces the template renderer.
func WithTemplateRenderer(r TemplateRenderer) Option {
	return func(p *Provider) { p.templates = r }
}

// WithTemplateDir renders templates from dir with text/template.
func WithTemplateDir(dir string) Option {
	return func(p *Provider) { p.templates = NewFileTemplates(dir) }
}

// WithServiceManager replaces the init system service manager.
func WithServiceManager(sm ServiceManager) Option {
	return func(p *Provider) { p.services = sm }
}

// NewProvider creates a Provider operating on h. Collaborators not supplied
// through options default to implementations that drive the host's own
// tools.
func NewProvider(h host.Host, opts ...Option) *Provider {
	p := &Provider{host: h}
	for _, opt := range opts {
		opt(p)
	}

	if p.packages == nil {
		p.packages = NewSystemPackages(h)
	}
	if p.accounts == nil {
		p.accounts = NewSystemAccounts(h)
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(http.DefaultClient)
	}
	if p.templates == nil {
		p.templates = NewFileTemplates("templates")
	}
	if p.services == nil {
		p.services = NewSystemServices(h)
	}

	p.handlers = map[engine.ResourceKind]handler{
		engine.KindPackage:    &packageHandler{packages: p.packages},
		engine.KindGroup:      &groupHandler{accounts: p.accounts},
		engine.KindUser:       &userHandler{accounts: p.accounts},
		engine.KindRemoteFile: &remoteFileHandler{host: h, fetcher: p.fetcher},
		engine.KindDirectory:  &directoryHandler{host: h},
		engine.KindCommand:    &commandHandler{host: h},
		engine.KindTemplate:   &templateHandler{host: h, templates: p.templates},
		engine.KindService:    &serviceHandler{services: p.services},
	}
	return p
}

// Probe implements engine.Prober.
func (p *Provider) Probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	h, err := p.handlerFor(d)
	if err != nil {
		return false, err
	}
	return h.probe(ctx, d)
}

// Apply implements engine.Executor.
func (p *Provider) Apply(ctx context.Context, d engine.ResourceDescriptor) error {
	h, err := p.handlerFor(d)
	if err != nil {
		return err
	}
	return h.apply(ctx, d)
}

func (p *Provider) handlerFor(d engine.ResourceDescriptor) (handler, error) {
	h, ok := p.handlers[d.Kind()]
	if !ok {
		return nil, engine.NewNotFound("resolve handler", fmt.Errorf("no handler for kind %s", d.Kind()))
	}
	return h, nil
}
