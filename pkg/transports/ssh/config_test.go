package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.User != "deploy" {
		t.Errorf("expected user 'deploy', got '%s'", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.Shell != "/bin/sh" {
		t.Errorf("expected shell '/bin/sh', got '%s'", config.Shell)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{target: "web1", wantUser: "root", wantHost: "web1", wantPort: 22},
		{target: "admin@web1", wantUser: "admin", wantHost: "web1", wantPort: 22},
		{target: "admin@10.0.0.5:2222", wantUser: "admin", wantHost: "10.0.0.5", wantPort: 2222},
		{target: "[::1]:2200", wantUser: "root", wantHost: "::1", wantPort: 2200},
		{target: "", wantErr: true},
		{target: "@web1", wantErr: true},
		{target: "web1:ssh", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg, err := ParseTarget(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.target)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.User != tt.wantUser || cfg.Host != tt.wantHost || cfg.Port != tt.wantPort {
				t.Errorf("expected %s@%s:%d, got %s@%s:%d",
					tt.wantUser, tt.wantHost, tt.wantPort, cfg.User, cfg.Host, cfg.Port)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:        "missing host",
			modifyFunc:  func(c *Config) { c.Host = "" },
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name:        "invalid port",
			modifyFunc:  func(c *Config) { c.Port = 70000 },
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name:        "missing user",
			modifyFunc:  func(c *Config) { c.User = "" },
			expectError: true,
			errorMsg:    "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			expectError: true,
			errorMsg:    "password is required",
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/id_ed25519"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "agent without socket",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.AgentSocket = ""
				t.Setenv("SSH_AUTH_SOCK", "")
			},
			expectError: true,
			errorMsg:    "SSH_AUTH_SOCK",
		},
		{
			name: "unsupported auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			expectError: true,
			errorMsg:    "unsupported auth method",
		},
		{
			name: "zero timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "connection timeout",
		},
		{
			name: "empty shell",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.Shell = ""
			},
			expectError: true,
			errorMsg:    "shell is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "root")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password auth", func(t *testing.T) {
		config := DefaultConfig("example.com", "root")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("failed to build client config: %v", err)
		}
		if clientConfig.User != "root" {
			t.Errorf("expected user 'root', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key auth", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "root")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("failed to build client config: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("agent auth", func(t *testing.T) {
		config := DefaultConfig("example.com", "root")
		config.AuthMethod = AuthMethodAgent
		config.AgentSocket = filepath.Join(t.TempDir(), "agent.sock")
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("failed to build client config: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0600); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}

		config := DefaultConfig("example.com", "root")
		config.PrivateKeyPath = keyPath

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for invalid private key")
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "root")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts file")
		}
	})
}

func TestConfigAddress(t *testing.T) {
	tests := []struct {
		host     string
		port     int
		expected string
		name     string
	}{
		{host: "example.com", port: 22, expected: "example.com:22", name: "root@example.com:22"},
		{host: "10.0.0.1", port: 2222, expected: "10.0.0.1:2222", name: "root@10.0.0.1:2222"},
		{host: "::1", port: 22, expected: "[::1]:22", name: "root@[::1]:22"},
	}

	for _, tt := range tests {
		config := DefaultConfig(tt.host, "root")
		config.Port = tt.port

		if got := config.Address(); got != tt.expected {
			t.Errorf("expected address '%s', got '%s'", tt.expected, got)
		}
		if got := config.String(); got != tt.name {
			t.Errorf("expected name '%s', got '%s'", tt.name, got)
		}
	}
}

// writeTestKey writes an unencrypted ed25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
