package ssh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/host"
)

// Stat implements host.Host.
func (c *Client) Stat(ctx context.Context, p string) (*host.FileInfo, error) {
	_, sftpClient, err := c.conn()
	if err != nil {
		return nil, err
	}

	info, err := sftpClient.Stat(p)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: err}
	}

	fi := &host.FileInfo{
		Path: p,
		Mode: info.Mode(),
		Size: info.Size(),
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		fi.UID = int(st.UID)
		fi.GID = int(st.GID)
	}
	fi.Owner = c.lookupName(ctx, "passwd", fi.UID)
	fi.Group = c.lookupName(ctx, "group", fi.GID)
	return fi, nil
}

// lookupName resolves a uid or gid with getent on the remote host, falling
// back to the numeric ID.
func (c *Client) lookupName(ctx context.Context, db string, id int) string {
	cache := c.users
	if db == "group" {
		cache = c.groups
	}

	c.namesMu.Lock()
	name, ok := cache[id]
	c.namesMu.Unlock()
	if ok {
		return name
	}

	name = strconv.Itoa(id)
	res, err := c.Run(ctx, host.Command{Cmd: fmt.Sprintf("getent %s %d", db, id)})
	if err == nil && res.Success() {
		if entry, _, found := strings.Cut(strings.TrimSpace(res.Stdout), ":"); found && entry != "" {
			name = entry
		}
	}

	c.namesMu.Lock()
	cache[id] = name
	c.namesMu.Unlock()
	return name
}

// Open implements host.Host.
func (c *Client) Open(_ context.Context, p string) (io.ReadCloser, error) {
	_, sftpClient, err := c.conn()
	if err != nil {
		return nil, err
	}
	f, err := sftpClient.Open(p)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: p, Err: err}
	}
	return f, nil
}

// WriteFile implements host.Host. Content is uploaded to a temporary file in
// the destination directory and renamed into place.
func (c *Client) WriteFile(ctx context.Context, p string, r io.Reader, perm os.FileMode) error {
	_, sftpClient, err := c.conn()
	if err != nil {
		return err
	}

	dir := path.Dir(p)
	if _, err := sftpClient.Stat(dir); err != nil {
		return &fs.PathError{Op: "open", Path: dir, Err: err}
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("failed to generate temporary name: %w", err)
	}
	tmpName := path.Join(dir, "."+path.Base(p)+".converge-"+hex.EncodeToString(suffix))

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", p).
		Str("mode", fmt.Sprintf("%04o", perm.Perm())).
		Msg("uploading file")

	f, err := sftpClient.Create(tmpName)
	if err != nil {
		return &fs.PathError{Op: "create", Path: tmpName, Err: err}
	}
	cleanup := func() { _ = sftpClient.Remove(tmpName) }

	n, err := copyWithContext(ctx, f, r)
	if err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("failed to upload %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := sftpClient.Chmod(tmpName, perm); err != nil {
		cleanup()
		return &fs.PathError{Op: "chmod", Path: tmpName, Err: err}
	}
	if err := sftpClient.PosixRename(tmpName, p); err != nil {
		cleanup()
		return &fs.PathError{Op: "rename", Path: p, Err: err}
	}

	log.Debug().Str("remote", p).Int64("bytes", n).Msg("file uploaded")
	return nil
}

// MkdirAll implements host.Host.
func (c *Client) MkdirAll(_ context.Context, p string, perm os.FileMode) error {
	_, sftpClient, err := c.conn()
	if err != nil {
		return err
	}
	if err := sftpClient.MkdirAll(p); err != nil {
		return &fs.PathError{Op: "mkdir", Path: p, Err: err}
	}
	if err := sftpClient.Chmod(p, perm); err != nil {
		return &fs.PathError{Op: "chmod", Path: p, Err: err}
	}
	return nil
}

// Chmod implements host.Host.
func (c *Client) Chmod(_ context.Context, p string, mode os.FileMode) error {
	_, sftpClient, err := c.conn()
	if err != nil {
		return err
	}
	if err := sftpClient.Chmod(p, mode); err != nil {
		return &fs.PathError{Op: "chmod", Path: p, Err: err}
	}
	return nil
}

// Chown implements host.Host. Names are resolved by the remote chown.
func (c *Client) Chown(ctx context.Context, p, owner, group string, recursive bool) error {
	if owner == "" && group == "" {
		return nil
	}

	spec := owner
	if group != "" {
		spec += ":" + group
	}
	args := []string{"chown"}
	if recursive {
		args = append(args, "-R", "-H")
	}
	args = append(args, host.Quote(spec), host.Quote(p))

	res, err := c.Run(ctx, host.Command{Cmd: strings.Join(args, " ")})
	if err != nil {
		return err
	}
	if res.Success() {
		return nil
	}
	return &fs.PathError{Op: "chown", Path: p, Err: chownError(res.Stderr)}
}

// chownError maps chown diagnostics onto fs sentinel errors.
func chownError(stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "operation not permitted"), strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%s: %w", msg, fs.ErrPermission)
	case strings.Contains(lower, "invalid user"), strings.Contains(lower, "invalid group"),
		strings.Contains(lower, "no such file"):
		return fmt.Errorf("%s: %w", msg, fs.ErrNotExist)
	default:
		return fmt.Errorf("%s", msg)
	}
}

// copyWithContext copies from src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
