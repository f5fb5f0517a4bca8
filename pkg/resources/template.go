package resources

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

// FileTemplates renders text/template files from a directory on the machine
// converge runs on. Templates see their variables as a map, e.g.
// {{ .tomcat_home }}; referencing an undefined variable is an error.
type FileTemplates struct {
	dir string
}

// NewFileTemplates creates a renderer reading templates from dir.
func NewFileTemplates(dir string) *FileTemplates {
	return &FileTemplates{dir: dir}
}

// Dir returns the template directory.
func (f *FileTemplates) Dir() string {
	return f.dir
}

// Render implements TemplateRenderer.
func (f *FileTemplates) Render(_ context.Context, name string, vars map[string]string) ([]byte, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.dir, name)
	}

	text, err := os.ReadFile(path)
	if err != nil {
		return nil, classify("read template "+name, err)
	}

	tmpl, err := template.New(filepath.Base(name)).Option("missingkey=error").Parse(string(text))
	if err != nil {
		return nil, engine.NewOSFailure("parse template "+name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, engine.NewOSFailure("render template "+name, err)
	}
	return buf.Bytes(), nil
}

type templateHandler struct {
	host      host.Host
	templates TemplateRenderer
}

func (h *templateHandler) render(ctx context.Context, d engine.ResourceDescriptor) ([]byte, error) {
	source := d.Attr(AttrSource)
	if source == "" {
		return nil, engine.NewNotFound("render template", fmt.Errorf("source attribute is required"))
	}
	return h.templates.Render(ctx, source, templateVars(d))
}

func (h *templateHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	fi, err := stat(ctx, h.host, d.Name())
	if err != nil || fi == nil {
		return false, err
	}
	if fi.IsDir() {
		return false, nil
	}

	content, err := h.render(ctx, d)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])
	have, err := fileDigest(ctx, h.host, d.Name())
	if err != nil {
		return false, err
	}
	if want != have {
		log.Debug().Str("resource", d.ID()).Msg("rendered content differs")
		return false, nil
	}
	return metadataMatches(d, fi)
}

func (h *templateHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	content, err := h.render(ctx, d)
	if err != nil {
		return err
	}
	mode, err := modeAttr(d, defaultFileMode)
	if err != nil {
		return err
	}
	if err := h.host.WriteFile(ctx, d.Name(), bytes.NewReader(content), mode); err != nil {
		return classify("write "+d.Name(), err)
	}
	return applyMetadata(ctx, h.host, d, d.Name())
}
