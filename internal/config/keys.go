package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ELECTROEXPERT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.auth_token", typ: kString, env: "ELECTROEXPERT_SERVER_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ELECTROEXPERT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "gateway.api_key", typ: kString, env: "ELECTROEXPERT_GATEWAY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gateway.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.APIKey },
	},
	{
		key: "gateway.model", typ: kString, env: "ELECTROEXPERT_GATEWAY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gateway.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.Model },
	},
	{
		key: "gateway.timeout", typ: kString, env: "ELECTROEXPERT_GATEWAY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.Timeout },
	},
	{
		key: "chat.history_window", typ: kInt, env: "ELECTROEXPERT_CHAT_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryWindow },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "ELECTROEXPERT_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "cloud.access_token", typ: kString, env: "ELECTROEXPERT_CLOUD_ACCESS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cloud.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.AccessToken },
	},
	{
		key: "cloud.signin_timeout", typ: kString, env: "ELECTROEXPERT_CLOUD_SIGNIN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Cloud.SigninTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.SigninTimeout },
	},
	{
		key: "cloud.sync_interval", typ: kString, env: "ELECTROEXPERT_CLOUD_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.SyncInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.SyncInterval },
	},
	{
		key: "log.level", typ: kString, env: "ELECTROEXPERT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
