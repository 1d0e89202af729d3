package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection with a lazily opened SFTP session.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "ssh").Logger()
	}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Client{config: config, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the host, through the jump host when one is configured.
// Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	targetConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	var conn net.Conn
	if c.config.IsProxyEnabled() {
		proxyConfig, err := c.config.proxyClientConfig()
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
		}
		proxy, err := dial(ctx, c.config.ProxyAddress(), proxyConfig)
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
		}
		conn, err = proxy.DialContext(ctx, "tcp", address)
		if err != nil {
			_ = proxy.Close()
			return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
		}
		c.proxy = proxy
		c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("Connected to proxy host")
	} else {
		d := net.Dialer{Timeout: c.config.ConnectionTimeout}
		conn, err = d.DialContext(ctx, "tcp", address)
		if err != nil {
			return &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
	}

	client, err := handshake(conn, address, targetConfig)
	if err != nil {
		_ = conn.Close()
		c.closeProxy()
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	c.client = client
	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}
	c.logger.Info().Str("address", address).Str("user", c.config.User).Msg("SSH connection established")
	return nil
}

func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	client, err := handshake(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

func handshake(conn net.Conn, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
		defer conn.SetDeadline(time.Time{})
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *Client) closeProxy() {
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
}

// Close tears down the SFTP session and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.client.Close()
	c.client = nil
	c.closeProxy()
	c.logger.Debug().Str("host", c.config.Host).Msg("SSH connection closed")
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Close has not run.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// HealthCheck runs "true" on the remote host.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.Run(ctx, "true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				failures++
				c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
				if failures >= 3 {
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}
