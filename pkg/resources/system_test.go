package resources

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

func TestSystemPackages_Installed(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		host    *scriptedHost
		pkg     Package
		want    bool
		wantErr bool
	}{
		{
			name: "apt installed",
			host: newScriptedHost().
				on("command -v apt", 0, "/usr/bin/apt\n", "").
				on("dpkg-query", 0, "install ok installed\t8.5.20-1", ""),
			pkg:  Package{Name: "tomcat8"},
			want: true,
		},
		{
			name: "apt config files only",
			host: newScriptedHost().
				on("command -v apt", 0, "", "").
				on("dpkg-query", 0, "deinstall ok config-files\t8.5.20-1", ""),
			pkg:  Package{Name: "tomcat8"},
			want: false,
		},
		{
			name: "apt not installed",
			host: newScriptedHost().
				on("command -v apt", 0, "", "").
				on("dpkg-query", 1, "", "dpkg-query: no packages found matching tomcat8"),
			pkg:  Package{Name: "tomcat8"},
			want: false,
		},
		{
			name: "version prefix matches",
			host: newScriptedHost().
				on("dpkg-query", 0, "install ok installed\t8.5.20-1", ""),
			pkg:  Package{Name: "tomcat8", Version: "8.5", Manager: "apt"},
			want: true,
		},
		{
			name: "version differs",
			host: newScriptedHost().
				on("dpkg-query", 0, "install ok installed\t8.5.20-1", ""),
			pkg:  Package{Name: "tomcat8", Version: "9.0", Manager: "apt"},
			want: false,
		},
		{
			name: "rpm installed",
			host: newScriptedHost().
				on("command -v apt", 1, "", "").
				on("command -v dnf", 0, "/usr/bin/dnf", "").
				on("rpm -q", 0, "install ok installed\t1.7.0-1.el7", ""),
			pkg:  Package{Name: "java-1.7.0-openjdk-devel"},
			want: true,
		},
		{
			name: "no package manager",
			host: newScriptedHost().
				on("command -v", 1, "", ""),
			pkg:     Package{Name: "vim"},
			wantErr: true,
		},
		{
			name:    "unsupported manager",
			host:    newScriptedHost(),
			pkg:     Package{Name: "vim", Manager: "pacman"},
			wantErr: true,
		},
		{
			name: "query tool missing",
			host: newScriptedHost().
				on("command -v apt", 0, "", ""),
			pkg:     Package{Name: "vim"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSystemPackages(tt.host).Installed(ctx, tt.pkg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected installed=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestSystemPackages_Install(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		manager string
		version string
		want    string
	}{
		{"apt", "apt", "", "apt-get install -y openjdk"},
		{"apt version", "apt", "7u", "apt-get install -y openjdk=7u"},
		{"dnf version", "dnf", "1.7", "dnf install -y openjdk-1.7"},
		{"yum", "yum", "", "yum install -y openjdk"},
		{"zypper", "zypper", "", "zypper --non-interactive install openjdk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScriptedHost().on("", 0, "", "")
			err := NewSystemPackages(h).Install(ctx, Package{Name: "openjdk", Version: tt.version, Manager: tt.manager})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !h.ran(tt.want) {
				t.Errorf("Expected %q to run, got %v", tt.want, h.commands)
			}
		})
	}

	h := newScriptedHost().on("apt-get", 100, "", "E: Unable to locate package nope")
	err := NewSystemPackages(h).Install(ctx, Package{Name: "nope", Manager: "apt"})
	if !engine.IsOSFailure(err) {
		t.Errorf("Expected os_failure, got: %v", err)
	}
	var execErr *engine.ExecError
	if errors.As(err, &execErr) && execErr.Detail != "E: Unable to locate package nope" {
		t.Errorf("Expected stderr in detail, got %q", execErr.Detail)
	}
}

func TestSystemAccounts(t *testing.T) {
	ctx := context.Background()

	h := newScriptedHost().
		on("getent group tomcat", 0, "tomcat:x:1001:", "").
		on("getent group", 2, "", "").
		on("getent passwd", 2, "", "").
		on("groupadd", 0, "", "").
		on("useradd", 9, "", "useradd: Permission denied.")
	accounts := NewSystemAccounts(h)

	exists, err := accounts.GroupExists(ctx, "tomcat")
	if err != nil || !exists {
		t.Errorf("Expected group to exist, got %v, %v", exists, err)
	}
	exists, err = accounts.UserExists(ctx, "tomcat")
	if err != nil || exists {
		t.Errorf("Expected user to be absent, got %v, %v", exists, err)
	}

	if err := accounts.CreateGroup(ctx, Group{Name: "app", GID: "1500", System: true}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !h.ran("groupadd -g 1500 -r app") {
		t.Errorf("Unexpected commands: %v", h.commands)
	}

	err = accounts.CreateUser(ctx, User{Name: "tomcat", Group: "tomcat", Shell: "/bin/false"})
	if !engine.IsPermissionDenied(err) {
		t.Errorf("Expected permission_denied, got: %v", err)
	}
	if !h.ran("useradd -g tomcat -s /bin/false tomcat") {
		t.Errorf("Unexpected commands: %v", h.commands)
	}

	broken := NewSystemAccounts(newScriptedHost())
	if _, err := broken.GroupExists(ctx, "x"); !engine.IsNotFound(err) {
		t.Errorf("Expected not_found when getent is missing, got: %v", err)
	}
}

func TestSystemServices(t *testing.T) {
	ctx := context.Background()

	t.Run("systemd", func(t *testing.T) {
		h := newScriptedHost().
			on("command -v systemctl", 0, "/bin/systemctl", "").
			on("systemctl is-active --quiet tomcat", 3, "", "").
			on("systemctl", 0, "", "")
		services := NewSystemServices(h)

		running, err := services.Running(ctx, "tomcat")
		if err != nil || running {
			t.Errorf("Expected stopped service, got %v, %v", running, err)
		}
		if err := services.Start(ctx, "tomcat"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !h.ran("systemctl daemon-reload") || !h.ran("systemctl start tomcat") {
			t.Errorf("Unexpected commands: %v", h.commands)
		}
		if err := services.Stop(ctx, "tomcat"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !h.ran("systemctl stop tomcat") {
			t.Errorf("Unexpected commands: %v", h.commands)
		}
	})

	t.Run("sysv fallback", func(t *testing.T) {
		h := newScriptedHost().
			on("command -v systemctl", 1, "", "").
			on("service tomcat status", 0, "tomcat is running", "").
			on("service tomcat start", 1, "", "Starting tomcat: failed")
		services := NewSystemServices(h)

		running, err := services.Running(ctx, "tomcat")
		if err != nil || !running {
			t.Errorf("Expected running service, got %v, %v", running, err)
		}
		if err := services.Start(ctx, "tomcat"); !engine.IsOSFailure(err) {
			t.Errorf("Expected os_failure, got: %v", err)
		}
	})
}

func TestServiceHandler_Actions(t *testing.T) {
	ctx := context.Background()
	services := &fakeServices{running: map[string]bool{"tomcat": true}}
	p := NewProvider(host.NewLocal(), WithServiceManager(services))

	start := engine.MustDescriptor(engine.KindService, "tomcat", engine.ActionStart, nil)
	stop := engine.MustDescriptor(engine.KindService, "tomcat", engine.ActionStop, nil)

	if ok, _ := p.Probe(ctx, start); !ok {
		t.Error("Expected running service to satisfy start")
	}
	if ok, _ := p.Probe(ctx, stop); ok {
		t.Error("Expected running service not to satisfy stop")
	}
	if err := p.Apply(ctx, stop); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ok, _ := p.Probe(ctx, stop); !ok {
		t.Error("Expected stopped service to satisfy stop")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind engine.ErrorKind
	}{
		{"permission", fs.ErrPermission, engine.ErrorKindPermissionDenied},
		{"not exist", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, engine.ErrorKindNotFound},
		{"exec not found", exec.ErrNotFound, engine.ErrorKindNotFound},
		{"already classified", engine.NewNetworkFailure("x", nil), engine.ErrorKindNetworkFailure},
		{"other", errors.New("boom"), engine.ErrorKindOSFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify("op", tt.err); got.Kind != tt.kind {
				t.Errorf("Expected %s, got %s", tt.kind, got.Kind)
			}
		})
	}

	if classify("op", nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestExitFailure(t *testing.T) {
	tests := []struct {
		name string
		res  host.Result
		kind engine.ErrorKind
	}{
		{"cannot execute", host.Result{ExitCode: 126}, engine.ErrorKindPermissionDenied},
		{"not found", host.Result{ExitCode: 127}, engine.ErrorKindNotFound},
		{"permission in stderr", host.Result{ExitCode: 1, Stderr: "chown: Permission denied"}, engine.ErrorKindPermissionDenied},
		{"plain failure", host.Result{ExitCode: 1, Stdout: "oops"}, engine.ErrorKindOSFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exitFailure("run command", &tt.res)
			if got.Kind != tt.kind {
				t.Errorf("Expected %s, got %s", tt.kind, got.Kind)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0755", 0o755, false},
		{"644", 0o644, false},
		{"0474", 0o474, false},
		{"rwx", 0, true},
		{"0999", 0, true},
		{"17777", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if uint32(got.Perm()) != tt.want {
			t.Errorf("ParseMode(%q): expected %o, got %o", tt.in, tt.want, got.Perm())
		}
	}

	sticky, err := ParseMode("1777")
	if err != nil {
		t.Fatal(err)
	}
	if sticky&fs.ModeSticky == 0 {
		t.Error("Expected sticky bit to be set")
	}
}
