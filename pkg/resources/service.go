package resources

import (
	"context"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

type serviceHandler struct {
	services ServiceManager
}

func (h *serviceHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	running, err := h.services.Running(ctx, d.Name())
	if err != nil {
		return false, err
	}
	if d.Action() == engine.ActionStop {
		return !running, nil
	}
	return running, nil
}

func (h *serviceHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	if d.Action() == engine.ActionStop {
		return h.services.Stop(ctx, d.Name())
	}
	return h.services.Start(ctx, d.Name())
}

// SystemServices controls services through systemctl, falling back to the
// SysV service command on hosts without systemd.
type SystemServices struct {
	host host.Host

	once    sync.Once
	systemd bool
	err     error
}

// NewSystemServices creates a service manager for h.
func NewSystemServices(h host.Host) *SystemServices {
	return &SystemServices{host: h}
}

func (s *SystemServices) detect(ctx context.Context) (bool, error) {
	s.once.Do(func() {
		res, err := s.host.Run(ctx, host.Command{Cmd: "command -v systemctl"})
		if err != nil {
			s.err = classify("detect init system", err)
			return
		}
		s.systemd = res.Success()
	})
	return s.systemd, s.err
}

// Running implements ServiceManager.
func (s *SystemServices) Running(ctx context.Context, name string) (bool, error) {
	systemd, err := s.detect(ctx)
	if err != nil {
		return false, err
	}

	cmd := "service " + host.Quote(name) + " status"
	if systemd {
		cmd = "systemctl is-active --quiet " + host.Quote(name)
	}
	res, err := s.host.Run(ctx, host.Command{Cmd: cmd})
	if err != nil {
		return false, classify("query service "+name, err)
	}
	if res.ExitCode == exitNotFound || res.ExitCode == exitCannotExecute {
		return false, exitFailure("query service "+name, res)
	}
	return res.Success(), nil
}

// Start implements ServiceManager. On systemd hosts unit files are reloaded
// first so a unit written earlier in the same run is picked up.
func (s *SystemServices) Start(ctx context.Context, name string) error {
	systemd, err := s.detect(ctx)
	if err != nil {
		return err
	}
	if systemd {
		if _, err := run(ctx, s.host, "reload unit files", host.Command{Cmd: "systemctl daemon-reload"}); err != nil {
			return err
		}
		_, err = run(ctx, s.host, "start service "+name, host.Command{Cmd: "systemctl start " + host.Quote(name)})
		return err
	}
	_, err = run(ctx, s.host, "start service "+name, host.Command{Cmd: "service " + host.Quote(name) + " start"})
	return err
}

// Stop implements ServiceManager.
func (s *SystemServices) Stop(ctx context.Context, name string) error {
	systemd, err := s.detect(ctx)
	if err != nil {
		return err
	}
	cmd := "service " + host.Quote(name) + " stop"
	if systemd {
		cmd = "systemctl stop " + host.Quote(name)
	}
	_, err = run(ctx, s.host, "stop service "+name, host.Command{Cmd: cmd})
	return err
}
