package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient implements Transport for a single node.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	isConnected bool
	connectedAt time.Time
	done        chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	var client *ssh.Client
	if c.config.Jump != nil {
		client, err = c.dialViaJump(ctx, clientConfig)
	} else {
		client, err = dial(ctx, nil, c.config.Address(), clientConfig)
	}
	if err != nil {
		return err
	}

	c.client = client
	c.isConnected = true
	c.connectedAt = time.Now()
	c.done = make(chan struct{})

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, c.done)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dial opens an SSH connection to address, through via when it is set.
func dial(ctx context.Context, via *ssh.Client, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		d := net.Dialer{Timeout: config.Timeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// Bound the handshake by the context as well as the dial.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
		}
		return nil, classifyHandshake(err)
	}

	return ssh.NewClient(ncc, chans, reqs), nil
}

// classifyHandshake separates rejected credentials from network failures.
func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return &TransportError{Op: "handshake", Err: err, IsTemporary: true}
	}
	return &TransportError{Op: "handshake", Err: err, IsAuthError: true}
}

// dialViaJump tunnels the connection through the jump host.
func (c *SSHClient) dialViaJump(ctx context.Context, targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	jump := c.config.Jump
	jumpClientConfig, err := jump.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect-jump", Err: err, IsAuthError: true}
	}

	c.logger.Debug().Str("jump", jump.Address()).Msg("Connecting to jump host")
	via, err := dial(ctx, nil, jump.Address(), jumpClientConfig)
	if err != nil {
		return nil, err
	}

	client, err := dial(ctx, via, c.config.Address(), targetConfig)
	if err != nil {
		_ = via.Close()
		return nil, err
	}
	c.jump = via
	return client, nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	c.logger.Debug().Dur("uptime", time.Since(c.connectedAt)).Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	close(c.done)
	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal runs a no-op command. Callers hold connMu.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}

	return nil
}

// keepAlive sends periodic keep-alive requests until done is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected"), IsTemporary: true}
	}

	return c.client, nil
}
