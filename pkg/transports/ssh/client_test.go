package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/host"
)

// testSSHServer is an in-process SSH server that runs exec requests with the
// local shell and serves the sftp subsystem from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			status := runLocal(payload.Command, channel)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

func (s *testSSHServer) clientConfig() *Config {
	addr := s.listener.Addr().(*net.TCPAddr)
	config := DefaultConfig(addr.IP.String(), "testuser")
	config.Port = addr.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

// runLocal runs command with /bin/sh and wires its streams to channel.
func runLocal(command string, channel ssh.Channel) uint32 {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = channel
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return uint32(exitErr.ExitCode())
	default:
		return 255
	}
}

func dialTestClient(t *testing.T) *Client {
	t.Helper()

	server := newTestSSHServer(t)
	client, err := Dial(context.Background(), server.clientConfig())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDial(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig()

	client, err := Dial(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	if client.Name() != config.String() {
		t.Errorf("expected name %s, got %s", config.String(), client.Name())
	}

	info := client.ConnectionInfo()
	if info.User != "testuser" || info.Port != config.Port {
		t.Errorf("unexpected connection info: %+v", info)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected ConnectedAt to be set")
	}

	if err := client.Close(); err != nil {
		t.Errorf("failed to close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("expected second Close to be a no-op, got %v", err)
	}

	_, err = client.Run(context.Background(), host.Command{Cmd: "true"})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("expected TransportError after close, got %v", err)
	}
}

func TestDialBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig()
	config.Password = "wrong"

	_, err := Dial(context.Background(), config)
	if err == nil {
		t.Fatal("expected authentication to fail")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) {
		t.Errorf("expected a net.Error, got %T", err)
	}
}

func TestDialInvalidConfig(t *testing.T) {
	config := DefaultConfig("", "root")
	if _, err := Dial(context.Background(), config); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestClientRun(t *testing.T) {
	client := dialTestClient(t)
	dir := t.TempDir()

	tests := []struct {
		name         string
		cmd          host.Command
		wantStdout   string
		wantStderr   string
		wantExitCode int
	}{
		{
			name:       "stdout",
			cmd:        host.Command{Cmd: "echo hello"},
			wantStdout: "hello\n",
		},
		{
			name:       "stderr",
			cmd:        host.Command{Cmd: "echo oops >&2"},
			wantStderr: "oops\n",
		},
		{
			name:         "exit code",
			cmd:          host.Command{Cmd: "exit 3"},
			wantExitCode: 3,
		},
		{
			name:       "working directory",
			cmd:        host.Command{Cmd: "pwd", Dir: dir},
			wantStdout: dir + "\n",
		},
		{
			name:       "environment",
			cmd:        host.Command{Cmd: `echo "$GREETING"`, Env: map[string]string{"GREETING": "it's here"}},
			wantStdout: "it's here\n",
		},
		{
			name:       "stdin",
			cmd:        host.Command{Cmd: "cat", Stdin: strings.NewReader("piped")},
			wantStdout: "piped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Run(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("expected stdout %q, got %q", tt.wantStdout, res.Stdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("expected stderr %q, got %q", tt.wantStderr, res.Stderr)
			}
			if res.ExitCode != tt.wantExitCode {
				t.Errorf("expected exit code %d, got %d", tt.wantExitCode, res.ExitCode)
			}
		})
	}
}

func TestClientRunMissingDir(t *testing.T) {
	client := dialTestClient(t)

	_, err := client.Run(context.Background(), host.Command{
		Cmd: "true",
		Dir: filepath.Join(t.TempDir(), "missing"),
	})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestClientRunCancelled(t *testing.T) {
	client := dialTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, host.Command{Cmd: "sleep 2"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestClientFiles(t *testing.T) {
	client := dialTestClient(t)
	ctx := context.Background()
	root := t.TempDir()

	dir := filepath.Join(root, "opt", "app")
	if err := client.MkdirAll(ctx, dir, 0750); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	fi, err := client.Stat(ctx, dir)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !fi.IsDir() {
		t.Error("expected a directory")
	}
	if fi.Perm() != 0750 {
		t.Errorf("expected mode 0750, got %04o", fi.Perm())
	}
	if fi.UID != os.Getuid() {
		t.Errorf("expected uid %d, got %d", os.Getuid(), fi.UID)
	}
	if fi.Owner == "" {
		t.Error("expected owner to be resolved")
	}

	file := filepath.Join(dir, "app.conf")
	if err := client.WriteFile(ctx, file, strings.NewReader("port=8080\n"), 0640); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	rc, err := client.Open(ctx, file)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != "port=8080\n" {
		t.Errorf("expected content %q, got %q", "port=8080\n", content)
	}

	fi, err = client.Stat(ctx, file)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if fi.Perm() != 0640 {
		t.Errorf("expected mode 0640, got %04o", fi.Perm())
	}
	if fi.Size != int64(len("port=8080\n")) {
		t.Errorf("expected size %d, got %d", len("port=8080\n"), fi.Size)
	}

	// Overwrite in place and leave no temporary files behind.
	if err := client.WriteFile(ctx, file, strings.NewReader("port=9090\n"), 0600); err != nil {
		t.Fatalf("WriteFile overwrite failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}

	if err := client.Chmod(ctx, file, 0644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	local, err := os.Stat(file)
	if err != nil {
		t.Fatalf("os.Stat failed: %v", err)
	}
	if local.Mode().Perm() != 0644 {
		t.Errorf("expected mode 0644, got %04o", local.Mode().Perm())
	}

	if _, err := client.Stat(ctx, filepath.Join(root, "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist for missing path, got %v", err)
	}

	err = client.WriteFile(ctx, filepath.Join(root, "nodir", "f"), strings.NewReader("x"), 0644)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist for missing parent, got %v", err)
	}
}

func TestClientChown(t *testing.T) {
	client := dialTestClient(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "owned")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if err := client.Chown(ctx, path, "", "", false); err != nil {
		t.Errorf("expected empty owner and group to be a no-op, got %v", err)
	}

	uid := strconv.Itoa(os.Getuid())
	if err := client.Chown(ctx, path, uid, "", false); err != nil {
		t.Errorf("expected chown to own uid to succeed, got %v", err)
	}

	err := client.Chown(ctx, path, "no-such-user-converge", "", false)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist for unknown user, got %v", err)
	}
}

func TestChownError(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{stderr: "chown: changing ownership of '/etc/x': Operation not permitted\n", want: fs.ErrPermission},
		{stderr: "chown: /etc/x: Permission denied", want: fs.ErrPermission},
		{stderr: "chown: invalid user: 'tomcat'", want: fs.ErrNotExist},
		{stderr: "chgrp: invalid group: 'tomcat'", want: fs.ErrNotExist},
		{stderr: "chown: cannot access '/x': No such file or directory", want: fs.ErrNotExist},
		{stderr: "chown: something else", want: nil},
	}

	for _, tt := range tests {
		err := chownError(tt.stderr)
		if tt.want == nil {
			if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
				t.Errorf("expected unclassified error for %q, got %v", tt.stderr, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("expected %v for %q, got %v", tt.want, tt.stderr, err)
		}
	}
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		name string
		cmd  host.Command
		want string
	}{
		{
			name: "plain",
			cmd:  host.Command{Cmd: "true"},
			want: "/bin/sh -c true",
		},
		{
			name: "dir",
			cmd:  host.Command{Cmd: "ls", Dir: "/opt/tomcat"},
			want: `/bin/sh -c 'cd /opt/tomcat && ls'`,
		},
		{
			name: "env sorted",
			cmd:  host.Command{Cmd: "env", Env: map[string]string{"B": "2", "A": "1"}},
			want: `/bin/sh -c 'export A=1; export B=2; env'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commandLine("/bin/sh", tt.cmd); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
