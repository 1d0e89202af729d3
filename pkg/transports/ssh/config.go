package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication.
	AuthMethodKey AuthMethod = "key"
)

// Config holds the connection settings for one remote host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted when StrictHostKeyChecking is set.
	// Without strict checking any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// CommandTimeout bounds Run when the caller's context has no deadline.
	CommandTimeout time.Duration

	// KeepAliveInterval of 0 disables keep-alive requests.
	KeepAliveInterval time.Duration

	// Optional jump host. It shares the target's known_hosts settings.
	ProxyHost           string
	ProxyPort           int
	ProxyUser           string
	ProxyAuthMethod     AuthMethod
	ProxyPassword       string
	ProxyPrivateKeyPath string
}

// DefaultConfig returns key-based settings with host key checking against
// ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		ProxyPort:             22,
	}
}

// Validate checks the settings and fills in a default private key path
// when key authentication is used without one.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if err := validateAuth(c.AuthMethod, c.Password, &c.PrivateKeyPath); err != nil {
		return err
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
		if err := validateAuth(c.ProxyAuthMethod, c.ProxyPassword, &c.ProxyPrivateKeyPath); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}
	return nil
}

func validateAuth(method AuthMethod, password string, keyPath *string) error {
	switch method {
	case AuthMethodPassword:
		if password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if *keyPath == "" {
			home := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				candidate := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(candidate); err == nil {
					*keyPath = candidate
					break
				}
			}
			if *keyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(*keyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", *keyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", method)
	}
	return nil
}

// BuildSSHClientConfig creates the x/crypto client configuration for the
// target host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.User, c.AuthMethod, c.Password, c.PrivateKeyPath, c.PrivateKeyPassphrase)
}

func (c *Config) proxyClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.ProxyUser, c.ProxyAuthMethod, c.ProxyPassword, c.ProxyPrivateKeyPath, "")
}

func (c *Config) clientConfig(user string, method AuthMethod, password, keyPath, passphrase string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch method {
	case AuthMethodPassword:
		auth = append(auth,
			ssh.Password(password),
			// Many servers only offer the keyboard-interactive "Password:" prompt.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	case AuthMethodKey:
		signer, err := loadSigner(keyPath, passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		return nil, fmt.Errorf("unsupported auth method: %q", method)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Address returns host:port of the target.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns host:port of the jump host, or "" without one.
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled reports whether a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
