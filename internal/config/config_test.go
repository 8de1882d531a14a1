package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, o := range EnvOverrides {
		t.Setenv(o.Env, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.Widget.Provider != "botpress" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.API.IdleTimeout.Std() != 60*time.Second {
		t.Errorf("expected 60s idle timeout, got %v", cfg.API.IdleTimeout.Std())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults to be written: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := defaults()
	cfg.API.APIKey = "file-key"
	writeTestConfig(t, path, cfg)

	t.Setenv("CHATWIDGET_API_KEY", "env-key")
	t.Setenv("CHATWIDGET_API_URL", "https://chat.example.com")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.API.APIKey != "env-key" || loaded.API.BaseURL != "https://chat.example.com" || loaded.Telegram.Token != "123:abc" {
		t.Errorf("expected env overrides, got %+v", loaded)
	}
}

func TestOverriddenBy(t *testing.T) {
	clearEnv(t)
	if env, ok := OverriddenBy("api.base_url"); ok {
		t.Errorf("expected no override, got %s", env)
	}
	t.Setenv("CHATWIDGET_API_URL", "https://chat.example.com")
	if env, ok := OverriddenBy("api.base_url"); !ok || env != "CHATWIDGET_API_URL" {
		t.Errorf("expected CHATWIDGET_API_URL, got %q %v", env, ok)
	}
	if _, ok := OverriddenBy("widget.provider"); ok {
		t.Error("widget.provider has no environment override")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := &Config{
		DataDir:       "/tmp/test-data",
		LogLevel:      "debug",
		LogFile:       "/tmp/test-data/chatwidget.log",
		MaxConcurrent: 4,
		TenantsFile:   "/tmp/tenants.yaml",
	}
	original.API.BaseURL = "https://chat.example.com"
	original.API.APIKey = "sk-test-round-trip"
	original.API.Timeout = Duration(30 * time.Second)
	original.API.IdleTimeout = Duration(90 * time.Second)
	original.Widget.AppID = "APP"
	original.Widget.Provider = "openai"
	original.Widget.CaptureAppID = "APP"
	original.HTTP.Enabled = true
	original.HTTP.Listen = ":3001"
	original.Telegram.Token = "bot-token-456"
	original.Telegram.GuestDomain = "guests.example.com"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogFile != original.LogFile {
		t.Errorf("LogFile mismatch: %v != %v", loaded.LogFile, original.LogFile)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.API.APIKey != original.API.APIKey {
		t.Errorf("API.APIKey mismatch: %v != %v", loaded.API.APIKey, original.API.APIKey)
	}
	if loaded.API.IdleTimeout != original.API.IdleTimeout {
		t.Errorf("API.IdleTimeout mismatch: %v != %v", loaded.API.IdleTimeout, original.API.IdleTimeout)
	}
	if loaded.Widget.Provider != "openai" || loaded.Widget.CaptureAppID != "APP" {
		t.Errorf("Widget mismatch: %+v", loaded.Widget)
	}
	if !loaded.HTTP.Enabled || loaded.HTTP.Listen != ":3001" {
		t.Errorf("HTTP mismatch: %+v", loaded.HTTP)
	}
	if loaded.Telegram.GuestDomain != "guests.example.com" {
		t.Errorf("Telegram.GuestDomain mismatch: %v", loaded.Telegram.GuestDomain)
	}
}

func TestDuration_AcceptsSeconds(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`45`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 45*time.Second {
		t.Errorf("expected 45s, got %v", d.Std())
	}
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("expected 90s, got %v", d.Std())
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("expected invalid duration to fail")
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:       "/tmp/test",
		LogLevel:      "debug",
		MaxConcurrent: 3,
	}
	cfg.Widget.AppID = "APP"
	cfg.API.IdleTimeout = Duration(time.Minute)

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	widget, ok := m["widget"].(map[string]any)
	if !ok {
		t.Fatalf("expected widget to be map, got %T", m["widget"])
	}
	if widget["app_id"] != "APP" {
		t.Errorf("expected widget.app_id=APP, got %v", widget["app_id"])
	}
	api := m["api"].(map[string]any)
	if api["idle_timeout"] != "1m0s" {
		t.Errorf("expected api.idle_timeout=1m0s, got %v", api["idle_timeout"])
	}
	// JSON numbers are float64
	if m["max_concurrent"] != float64(3) {
		t.Errorf("expected max_concurrent=3, got %v", m["max_concurrent"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.API.APIKey = "sk-secret-key-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["api.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked api.api_key, got %v", flat["api.api_key"])
	}
	if flat["telegram.token"] != "bot-token-abcd" {
		t.Errorf("expected unmasked telegram.token, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.API.APIKey = "sk-secret-key-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["api.api_key"] != "***1234" {
		t.Errorf("expected masked api.api_key=***1234, got %v", flat["api.api_key"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", MaxConcurrent: 8}
	cfg.Widget.Provider = "botpress"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "widget.provider")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "botpress" {
		t.Errorf("expected widget.provider=botpress, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Widget.Provider = "botpress"
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	v, err = GetValue(path, "widget.provider")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "botpress" {
		t.Errorf("expected widget.provider=botpress (preserved), got %v", v)
	}
}

func TestSetValue_TypedValues(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{MaxConcurrent: 2})

	if err := SetValue(path, "max_concurrent", "16"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "http.enabled", "true"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "api.idle_timeout", "90s"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	if v, _ := GetValue(path, "max_concurrent"); v != float64(16) {
		t.Errorf("expected max_concurrent=16, got %v (%T)", v, v)
	}
	if v, _ := GetValue(path, "http.enabled"); v != true {
		t.Errorf("expected http.enabled=true, got %v (%T)", v, v)
	}

	clearEnv(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.IdleTimeout.Std() != 90*time.Second || !cfg.HTTP.Enabled {
		t.Errorf("expected set values to load, got %+v", cfg)
	}
}

func TestSetValue_NewNestedKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "custom.setting")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "value" {
		t.Errorf("expected custom.setting=value, got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	path := tempConfigPath(t)

	// File doesn't exist yet; Load will create it with defaults
	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
