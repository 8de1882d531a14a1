package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration is a time.Duration written as a string such as "60s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		// Bare numbers are seconds.
		*d = Duration(time.Duration(val * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file"`
	MaxConcurrent int    `json:"max_concurrent"`
	API           struct {
		BaseURL     string   `json:"base_url"`
		APIKey      string   `json:"api_key"`
		Timeout     Duration `json:"timeout"`
		IdleTimeout Duration `json:"idle_timeout"`
	} `json:"api"`
	Widget struct {
		AppID        string `json:"app_id"`
		WidgetID     string `json:"widget_id"`
		Provider     string `json:"provider"`
		UserName     string `json:"user_name"`
		Designation  string `json:"designation"`
		CaptureAppID string `json:"capture_app_id"`
	} `json:"widget"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	TenantsFile string `json:"tenants_file"`
	Telegram    struct {
		Token       string `json:"token"`
		GuestDomain string `json:"guest_domain"`
	} `json:"telegram"`
}

// DefaultPath is $HOME/.chatwidget/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".chatwidget", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".chatwidget"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.API.BaseURL = "http://localhost:8000"
	cfg.API.Timeout = Duration(120 * time.Second)
	cfg.API.IdleTimeout = Duration(60 * time.Second)
	cfg.Widget.Provider = "botpress"
	cfg.HTTP.Listen = "127.0.0.1:3001"
	cfg.Telegram.GuestDomain = "guest.chatwidget.local"
	return cfg
}

// Load reads the config at path, writing the defaults first when the file
// does not exist. Environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	for _, o := range EnvOverrides {
		if v := os.Getenv(o.Env); v != "" {
			o.set(cfg, v)
		}
	}

	return cfg, nil
}

// EnvOverride is an environment variable that replaces a config key at load.
type EnvOverride struct {
	Env string
	Key string
	set func(*Config, string)
}

var EnvOverrides = []EnvOverride{
	{Env: "CHATWIDGET_API_KEY", Key: "api.api_key", set: func(c *Config, v string) { c.API.APIKey = v }},
	{Env: "CHATWIDGET_API_URL", Key: "api.base_url", set: func(c *Config, v string) { c.API.BaseURL = v }},
	{Env: "TELEGRAM_BOT_TOKEN", Key: "telegram.token", set: func(c *Config, v string) { c.Telegram.Token = v }},
}

// OverriddenBy names the environment variable currently replacing key, if any.
func OverriddenBy(key string) (string, bool) {
	for _, o := range EnvOverrides {
		if o.Key == key && os.Getenv(o.Env) != "" {
			return o.Env, true
		}
	}
	return "", false
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dotted keys, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dotted key in the config file.
// The file is created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores raw under a dotted key in an existing config file. Values
// that parse as JSON (numbers, booleans) keep their type; anything else is
// stored as a string.
func SetValue(path, key, raw string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	flat := Flatten(m)
	flat[key] = value
	return writeAtomic(path, Unflatten(flat))
}
