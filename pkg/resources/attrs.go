package resources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

// Attribute keys shared by several kinds.
const (
	AttrMode      = "mode"
	AttrOwner     = "owner"
	AttrGroup     = "group"
	AttrSource    = "source"
	AttrChecksum  = "checksum"
	AttrRecursive = "recursive"
	AttrVersion   = "version"
	AttrManager   = "manager"
	AttrGID       = "gid"
	AttrUID       = "uid"
	AttrSystem    = "system"
	AttrHome      = "home"
	AttrShell     = "shell"
	AttrCommand   = "command"
	AttrCwd       = "cwd"
	AttrCreates   = "creates"

	// VarPrefix marks template variables, e.g. "var.tomcat_home".
	VarPrefix = "var."
)

const defaultFileMode os.FileMode = 0o644

// ParseMode parses an octal permission string such as "0755" or "755".
func ParseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	if v > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q: out of range", s)
	}
	return permFromOctal(uint32(v)), nil
}

// permFromOctal converts Unix octal bits, including setuid, setgid and
// sticky, to an os.FileMode.
func permFromOctal(v uint32) os.FileMode {
	mode := os.FileMode(v & 0o777)
	if v&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if v&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if v&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// modeAttr returns the mode attribute or def when unset.
func modeAttr(d engine.ResourceDescriptor, def os.FileMode) (os.FileMode, error) {
	if !d.HasAttr(AttrMode) {
		return def, nil
	}
	mode, err := ParseMode(d.Attr(AttrMode))
	if err != nil {
		return 0, engine.NewOSFailure("parse attributes", err).WithResource(d)
	}
	return mode, nil
}

// boolAttr reads a true/false attribute, returning def when unset or unparsable.
func boolAttr(d engine.ResourceDescriptor, key string, def bool) bool {
	if !d.HasAttr(key) {
		return def
	}
	v, err := strconv.ParseBool(d.Attr(key))
	if err != nil {
		return def
	}
	return v
}

// templateVars collects the var.* attributes with the prefix stripped.
func templateVars(d engine.ResourceDescriptor) map[string]string {
	vars := make(map[string]string)
	for k, v := range d.Attributes() {
		if name, ok := strings.CutPrefix(k, VarPrefix); ok {
			vars[name] = v
		}
	}
	return vars
}

// stat returns nil info and no error when path does not exist.
func stat(ctx context.Context, h host.Host, path string) (*host.FileInfo, error) {
	fi, err := h.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("stat "+path, err)
	}
	return fi, nil
}

// metadataMatches compares the mode, owner and group attributes of d with fi.
// Attributes that are not set always match.
func metadataMatches(d engine.ResourceDescriptor, fi *host.FileInfo) (bool, error) {
	if d.HasAttr(AttrMode) {
		want, err := modeAttr(d, 0)
		if err != nil {
			return false, err
		}
		have := fi.Mode & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
		if have != want {
			log.Debug().Str("resource", d.ID()).Str("want", fmt.Sprintf("%04o", want.Perm())).
				Str("have", fmt.Sprintf("%04o", have.Perm())).Msg("mode differs")
			return false, nil
		}
	}
	if owner := d.Attr(AttrOwner); owner != "" && owner != fi.Owner && owner != strconv.Itoa(fi.UID) {
		log.Debug().Str("resource", d.ID()).Str("want", owner).Str("have", fi.Owner).Msg("owner differs")
		return false, nil
	}
	if group := d.Attr(AttrGroup); group != "" && group != fi.Group && group != strconv.Itoa(fi.GID) {
		log.Debug().Str("resource", d.ID()).Str("want", group).Str("have", fi.Group).Msg("group differs")
		return false, nil
	}
	return true, nil
}

// applyMetadata sets the mode, owner and group attributes of d on path.
// Ownership is changed first so that a restrictive mode never locks the new
// owner out.
func applyMetadata(ctx context.Context, h host.Host, d engine.ResourceDescriptor, path string) error {
	owner, group := d.Attr(AttrOwner), d.Attr(AttrGroup)
	if owner != "" || group != "" {
		if err := h.Chown(ctx, path, owner, group, false); err != nil {
			return classify("change ownership of "+path, err)
		}
	}
	if d.HasAttr(AttrMode) {
		mode, err := modeAttr(d, 0)
		if err != nil {
			return err
		}
		if err := h.Chmod(ctx, path, mode); err != nil {
			return classify("change mode of "+path, err)
		}
	}
	return nil
}
