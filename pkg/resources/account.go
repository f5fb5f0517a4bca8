package resources

import (
	"context"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

// Group describes a local group to create.
type Group struct {
	Name   string
	GID    string
	System bool
}

// User describes a local user to create.
type User struct {
	Name   string
	Group  string
	Home   string
	Shell  string
	UID    string
	System bool
}

type groupHandler struct {
	accounts AccountDirectory
}

func (h *groupHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	return h.accounts.GroupExists(ctx, d.Name())
}

func (h *groupHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	return h.accounts.CreateGroup(ctx, Group{
		Name:   d.Name(),
		GID:    d.Attr(AttrGID),
		System: boolAttr(d, AttrSystem, false),
	})
}

type userHandler struct {
	accounts AccountDirectory
}

func (h *userHandler) probe(ctx context.Context, d engine.ResourceDescriptor) (bool, error) {
	return h.accounts.UserExists(ctx, d.Name())
}

func (h *userHandler) apply(ctx context.Context, d engine.ResourceDescriptor) error {
	return h.accounts.CreateUser(ctx, User{
		Name:   d.Name(),
		Group:  d.Attr(AttrGroup),
		Home:   d.Attr(AttrHome),
		Shell:  d.Attr(AttrShell),
		UID:    d.Attr(AttrUID),
		System: boolAttr(d, AttrSystem, false),
	})
}

// getent exit status for a key that is not in the database.
const getentKeyNotFound = 2

// SystemAccounts queries the account database with getent and creates
// accounts with groupadd and useradd.
type SystemAccounts struct {
	host host.Host
}

// NewSystemAccounts creates an account directory for h.
func NewSystemAccounts(h host.Host) *SystemAccounts {
	return &SystemAccounts{host: h}
}

// GroupExists implements AccountDirectory.
func (s *SystemAccounts) GroupExists(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, "group", name)
}

// UserExists implements AccountDirectory.
func (s *SystemAccounts) UserExists(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, "passwd", name)
}

func (s *SystemAccounts) exists(ctx context.Context, db, name string) (bool, error) {
	message := "query " + db + " database for " + name
	res, err := s.host.Run(ctx, host.Command{Cmd: "getent " + db + " " + host.Quote(name)})
	if err != nil {
		return false, classify(message, err)
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case getentKeyNotFound:
		return false, nil
	default:
		return false, exitFailure(message, res)
	}
}

// CreateGroup implements AccountDirectory.
func (s *SystemAccounts) CreateGroup(ctx context.Context, g Group) error {
	args := []string{"groupadd"}
	if g.GID != "" {
		args = append(args, "-g", host.Quote(g.GID))
	}
	if g.System {
		args = append(args, "-r")
	}
	args = append(args, host.Quote(g.Name))

	_, err := run(ctx, s.host, "create group "+g.Name, host.Command{Cmd: strings.Join(args, " ")})
	return err
}

// CreateUser implements AccountDirectory.
func (s *SystemAccounts) CreateUser(ctx context.Context, u User) error {
	args := []string{"useradd"}
	if u.Group != "" {
		args = append(args, "-g", host.Quote(u.Group))
	}
	if u.Home != "" {
		args = append(args, "-d", host.Quote(u.Home))
	}
	if u.Shell != "" {
		args = append(args, "-s", host.Quote(u.Shell))
	}
	if u.UID != "" {
		args = append(args, "-u", host.Quote(u.UID))
	}
	if u.System {
		args = append(args, "-r")
	}
	args = append(args, host.Quote(u.Name))

	_, err := run(ctx, s.host, "create user "+u.Name, host.Command{Cmd: strings.Join(args, " ")})
	return err
}
