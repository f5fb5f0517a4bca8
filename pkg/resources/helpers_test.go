package resources

import (
	"context"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

// scriptedHost answers Run from a table of command prefixes and delegates
// file operations to the local machine.
type scriptedHost struct {
	*host.Local

	mu        sync.Mutex
	responses []scripted
	commands  []host.Command
}

type scripted struct {
	prefix string
	result host.Result
}

func newScriptedHost() *scriptedHost {
	return &scriptedHost{Local: host.NewLocal()}
}

func (s *scriptedHost) on(prefix string, exitCode int, stdout, stderr string) *scriptedHost {
	s.responses = append(s.responses, scripted{
		prefix: prefix,
		result: host.Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr},
	})
	return s
}

func (s *scriptedHost) Run(_ context.Context, cmd host.Command) (*host.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	for _, r := range s.responses {
		if strings.HasPrefix(cmd.Cmd, r.prefix) {
			res := r.result
			return &res, nil
		}
	}
	return &host.Result{ExitCode: exitNotFound, Stderr: "sh: command not found"}, nil
}

func (s *scriptedHost) ran(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.HasPrefix(c.Cmd, prefix) {
			return true
		}
	}
	return false
}

type fakePackages struct {
	installed map[string]bool
	installs  []string
	err       error
}

func (f *fakePackages) Installed(_ context.Context, pkg Package) (bool, error) {
	return f.installed[pkg.Name], nil
}

func (f *fakePackages) Install(_ context.Context, pkg Package) error {
	f.installs = append(f.installs, pkg.Name)
	if f.err != nil {
		return f.err
	}
	f.installed[pkg.Name] = true
	return nil
}

type fakeAccounts struct {
	groups map[string]bool
	users  map[string]User
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{groups: make(map[string]bool), users: make(map[string]User)}
}

func (f *fakeAccounts) GroupExists(_ context.Context, name string) (bool, error) {
	return f.groups[name], nil
}

func (f *fakeAccounts) CreateGroup(_ context.Context, g Group) error {
	f.groups[g.Name] = true
	return nil
}

func (f *fakeAccounts) UserExists(_ context.Context, name string) (bool, error) {
	_, ok := f.users[name]
	return ok, nil
}

func (f *fakeAccounts) CreateUser(_ context.Context, u User) error {
	if u.Group != "" && !f.groups[u.Group] {
		return engine.NewNotFound("create user "+u.Name, nil).WithDetail("group '" + u.Group + "' does not exist")
	}
	f.users[u.Name] = u
	return nil
}

type fakeServices struct {
	running map[string]bool
	calls   []string
}

func (f *fakeServices) Running(_ context.Context, name string) (bool, error) {
	return f.running[name], nil
}

func (f *fakeServices) Start(_ context.Context, name string) error {
	f.calls = append(f.calls, "start "+name)
	f.running[name] = true
	return nil
}

func (f *fakeServices) Stop(_ context.Context, name string) error {
	f.calls = append(f.calls, "stop "+name)
	f.running[name] = false
	return nil
}
