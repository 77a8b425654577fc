package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH settings for fetching mods from an SFTP repository.
// Host, port and user usually come from the source URL; User here is the
// fallback when the URL carries none.
type Config struct {
	// User is the SSH username used when the URL has none.
	User string `yaml:"user" env:"USER"`

	// Password enables password and keyboard-interactive authentication.
	Password string `yaml:"password" env:"PASSWORD"`

	// KeyFile is a private key used for public key authentication.
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`

	// KeyPassphrase decrypts KeyFile.
	KeyPassphrase string `yaml:"key_passphrase" env:"KEY_PASSPHRASE"`

	// KnownHostsFile verifies the server host key.
	KnownHostsFile string `yaml:"known_hosts_file" env:"KNOWN_HOSTS_FILE"`

	// InsecureIgnoreHostKey accepts any host key. Only for development.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key" env:"INSECURE_IGNORE_HOST_KEY"`

	// ConnectTimeout bounds the TCP connect and SSH handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KnownHostsFile: filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate checks that at least one authentication method and a host key
// policy are configured.
func (c Config) Validate() error {
	if c.Password == "" && c.KeyFile == "" {
		return fmt.Errorf("either password or key file is required")
	}

	if c.KeyFile != "" {
		if _, err := os.Stat(c.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.KeyFile)
		}
	}

	if !c.InsecureIgnoreHostKey && c.KnownHostsFile == "" {
		return fmt.Errorf("known hosts file is required unless host key checking is disabled")
	}

	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}

	return nil
}

// clientConfig creates an ssh.ClientConfig for user.
func (c Config) clientConfig(user string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.KeyFile != "" {
		keyBytes, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for the password prompt.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
