package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config is the client configuration, loaded from a TOML file. Missing
// fields fall back to defaults; a missing file yields pure defaults.
type Config struct {
	ServerURL         string   `toml:"server_url"`
	DataDir           string   `toml:"data_dir"`
	UserID            string   `toml:"user_id"`
	Username          string   `toml:"username"`
	ReconnectInterval Duration `toml:"reconnect_interval"`
	LogLevel          string   `toml:"log_level"`
}

// Duration wraps time.Duration so TOML files can say "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	dataDir := ".relaychat"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".relaychat")
	}
	return Config{
		ServerURL:         "http://localhost:9090",
		DataDir:           dataDir,
		ReconnectInterval: Duration{5 * time.Second},
		LogLevel:          "info",
	}
}

// Load reads the TOML file at path over the defaults. A nonexistent file is
// not an error so first runs work without any setup.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config back to path. Used to persist a generated user id.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// EnsureUserID generates and persists a stable user id on first run.
func (c *Config) EnsureUserID(path string) error {
	if c.UserID != "" {
		return nil
	}
	c.UserID = uuid.NewString()
	return c.Save(path)
}

// IdentityPath is where the signing keypair lives.
func (c Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}

func (c Config) validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.ReconnectInterval.Duration <= 0 {
		return fmt.Errorf("reconnect_interval must be positive")
	}
	return nil
}
