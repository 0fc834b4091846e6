package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// Secret is a string that never prints its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

func (s Secret) Reveal() string {
	return string(s)
}

type Config struct {
	Mode         string `envconfig:"MODE" default:"local"`
	WorkspaceDir string `envconfig:"WORKSPACE_DIR" default:"/tmp/rollout"`
	DefsDir      string `envconfig:"DEFS_DIR" default:"./deploy/defs"`

	RegistryUsername string `envconfig:"REGISTRY_USERNAME"`
	RegistryPassword Secret `envconfig:"REGISTRY_PASSWORD"`
	RegistryInsecure bool   `envconfig:"REGISTRY_INSECURE"`

	SSHPrivateKey     Secret `envconfig:"SSH_PRIVATE_KEY"`
	SSHPrivateKeyFile string `envconfig:"SSH_PRIVATE_KEY_FILE"`

	GitHubToken      Secret `envconfig:"GITHUB_TOKEN"`
	GitHubRepository string `envconfig:"GITHUB_REPOSITORY"`
	CommitSHA        string `envconfig:"GITHUB_SHA"`
	WebhookSecret    Secret `envconfig:"WEBHOOK_SECRET"`

	ListenAddr string   `envconfig:"LISTEN_ADDR" default:"0.0.0.0:8080"`
	TLSDomains []string `envconfig:"TLS_DOMAINS"`
	// PublicURL is where this server is reachable; commit statuses link to it.
	PublicURL string `envconfig:"PUBLIC_URL"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaultsAndValidate() error {
	if c.Mode != "local" && c.Mode != "server" {
		return fmt.Errorf("MODE must be 'local' or 'server', got %q", c.Mode)
	}

	if c.Mode == "server" {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET must be set in server mode")
		}
		if c.SSHPrivateKey == "" && c.SSHPrivateKeyFile == "" {
			return fmt.Errorf("SSH_PRIVATE_KEY or SSH_PRIVATE_KEY_FILE must be set in server mode")
		}
	}

	if c.SSHPrivateKey != "" && c.SSHPrivateKeyFile != "" {
		return fmt.Errorf("only one of SSH_PRIVATE_KEY and SSH_PRIVATE_KEY_FILE may be set")
	}

	if (c.RegistryUsername == "") != (c.RegistryPassword == "") {
		return fmt.Errorf("REGISTRY_USERNAME and REGISTRY_PASSWORD must be set together")
	}

	return nil
}

// PrivateKey returns the PEM encoded deploy key from whichever source is set.
func (c *Config) PrivateKey() ([]byte, error) {
	switch {
	case c.SSHPrivateKey != "":
		return []byte(c.SSHPrivateKey.Reveal()), nil
	case c.SSHPrivateKeyFile != "":
		data, err := os.ReadFile(c.SSHPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("no SSH private key configured")
	}
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Mode=%s WorkspaceDir=%s DefsDir=%s RegistryUsername=%s ListenAddr=%s",
		c.Mode, c.WorkspaceDir, c.DefsDir, c.RegistryUsername, c.ListenAddr,
	)
}
