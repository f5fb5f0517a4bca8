package resources

import (
	"context"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

type commandHandler struct {
	host host.Host
}

// commandLine returns the command attribute, falling back to the name.
func commandLine(d engine.ResourceDescriptor) string {
	if cmd := d.Attr(AttrCommand); cmd != "" {
		return cmd
	}
	return d.Name()
}

// probe reports a command as converged only when its creates guard exists.
func (h *commandHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	creates := d.Attr(AttrCreates)
	if creates == "" {
		return false, nil
	}
	fi, err := stat(ctx, h.host, creates)
	if err != nil {
		return false, err
	}
	return fi != nil, nil
}

func (h *commandHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	_, err := run(ctx, h.host, "run command", host.Command{
		Cmd: commandLine(d),
		Dir: d.Attr(AttrCwd),
	})
	return err
}
