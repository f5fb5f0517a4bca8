package resources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

const defaultDirMode os.FileMode = 0o755

type remoteFileHandler struct {
	host    host.Host
	fetcher Fetcher
}

func (h *remoteFileHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	fi, err := stat(ctx, h.host, d.Name())
	if err != nil || fi == nil {
		return false, err
	}
	if fi.IsDir() {
		return false, nil
	}

	if want := d.Attr(AttrChecksum); want != "" {
		have, err := fileDigest(ctx, h.host, d.Name())
		if err != nil {
			return false, err
		}
		if !strings.EqualFold(have, want) {
			log.Debug().Str("resource", d.ID()).Str("want", want).Str("have", have).Msg("checksum differs")
			return false, nil
		}
	}
	return metadataMatches(d, fi)
}

// apply downloads into a local temporary file first so a checksum mismatch
// never replaces the destination.
func (h *remoteFileHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	source := d.Attr(AttrSource)
	if source == "" {
		return engine.NewNotFound("fetch remote file", fmt.Errorf("source attribute is required"))
	}
	mode, err := modeAttr(d, defaultFileMode)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "converge-fetch-*")
	if err != nil {
		return classify("create download buffer", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	if err := h.fetcher.Fetch(ctx, source, io.MultiWriter(tmp, hasher)); err != nil {
		return classify("fetch "+source, err)
	}

	if want := d.Attr(AttrChecksum); want != "" {
		have := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(have, want) {
			return engine.NewNetworkFailure("verify download",
				fmt.Errorf("checksum mismatch: expected %s, got %s", want, have))
		}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return classify("rewind download buffer", err)
	}
	if err := h.host.WriteFile(ctx, d.Name(), tmp, mode); err != nil {
		return classify("write "+d.Name(), err)
	}
	return applyMetadata(ctx, h.host, d, d.Name())
}

type directoryHandler struct {
	host host.Host
}

func (h *directoryHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	fi, err := stat(ctx, h.host, d.Name())
	if err != nil || fi == nil {
		return false, err
	}
	if !fi.IsDir() {
		return false, nil
	}
	return metadataMatches(d, fi)
}

func (h *directoryHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	dir := d.Name()
	if !boolAttr(d, AttrRecursive, true) {
		parent := path.Dir(dir)
		fi, err := stat(ctx, h.host, parent)
		if err != nil {
			return err
		}
		if fi == nil {
			return engine.NewNotFound("create directory "+dir, fmt.Errorf("parent directory %s does not exist", parent))
		}
	}

	mode, err := modeAttr(d, defaultDirMode)
	if err != nil {
		return err
	}
	if err := h.host.MkdirAll(ctx, dir, mode); err != nil {
		return classify("create directory "+dir, err)
	}
	return applyMetadata(ctx, h.host, d, dir)
}

// fileDigest returns the hex sha256 of a file on the host.
func fileDigest(ctx context.Context, h host.Host, p string) (string, error) {
	rc, err := h.Open(ctx, p)
	if err != nil {
		return "", classify("open "+p, err)
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return "", classify("read "+p, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
