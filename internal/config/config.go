package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Gateway GatewayConfig
	Chat    ChatConfig
	Cloud   CloudConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// AuthToken guards the HTTP API. Empty disables the check, for trusted
	// local setups.
	AuthToken string
}

type StorageConfig struct {
	DataDir string
}

type GatewayConfig struct {
	APIKey  string
	Model   string
	Timeout string
}

type ChatConfig struct {
	HistoryWindow int
	Temperature   float64
}

type CloudConfig struct {
	// AccessToken enables sync when set; without it cloud endpoints report
	// not connected.
	AccessToken   string
	SigninTimeout string
	SyncInterval  string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4800,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Gateway: GatewayConfig{
			Model:   "gemini-2.5-pro",
			Timeout: "120s",
		},
		Chat: ChatConfig{
			HistoryWindow: 8,
			Temperature:   0.2,
		},
		Cloud: CloudConfig{
			SigninTimeout: "15s",
			SyncInterval:  "5s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/electroexpert/config.json with environment variables
// (ELECTROEXPERT_*) taking precedence. Secrets come from the environment
// only.
//
// A missing gateway API key is not a load error: local features work
// without it, and the gateway reports a configuration error when a chat is
// attempted.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// GatewayTimeout parses the configured gateway timeout, falling back to the
// default on bad input.
func (c Config) GatewayTimeout() time.Duration {
	return parseDurationOr(c.Gateway.Timeout, 120*time.Second)
}

// CloudSigninTimeout bounds how long a sign-in may wait for the user.
func (c Config) CloudSigninTimeout() time.Duration {
	return parseDurationOr(c.Cloud.SigninTimeout, 15*time.Second)
}

// CloudSyncInterval is the background worker's polling period.
func (c Config) CloudSyncInterval() time.Duration {
	return parseDurationOr(c.Cloud.SyncInterval, 5*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "electroexpert-data"
		}
	}
	return filepath.Join(dir, "electroexpert")
}
