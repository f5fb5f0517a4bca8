package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/host"
)

// Client is a connected remote host. It implements host.Host.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	done        chan struct{}

	// uid and gid to name lookups, filled lazily by Stat
	namesMu sync.Mutex
	users   map[int]string
	groups  map[int]string
}

var _ host.Host = (*Client)(nil)

// Dial connects to the host described by config and opens an SFTP session
// over the same connection.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	var sshClient *ssh.Client
	select {
	case <-ctx.Done():
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	case sshClient = <-connChan:
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	now := time.Now()
	c := &Client{
		config:      config,
		client:      sshClient,
		sftp:        sftpClient,
		connectedAt: now,
		lastUsedAt:  now,
		done:        make(chan struct{}),
		users:       make(map[int]string),
		groups:      make(map[int]string),
	}

	if config.KeepAliveInterval > 0 {
		go c.keepAlive()
	}

	log.Info().Str("address", address).Str("user", config.User).Msg("SSH connection established")
	return c, nil
}

// Name implements host.Host.
func (c *Client) Name() string {
	return c.config.String()
}

// Close implements host.Host.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	close(c.done)

	sftpErr := c.sftp.Close()
	err := c.client.Close()
	c.client = nil
	c.sftp = nil

	if err == nil {
		err = sftpErr
	}
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// ConnectionInfo returns information about the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// conn returns the SSH and SFTP clients or an error once closed.
func (c *Client) conn() (*ssh.Client, *sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.client, c.sftp, nil
}

// keepAlive sends periodic keep-alive requests until the client is closed.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		sshClient, _, err := c.conn()
		if err != nil {
			return
		}
		if _, _, err := sshClient.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}
