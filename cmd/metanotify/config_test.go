package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"metanotify/internal/auth"
	"metanotify/internal/logging"
)

func writeConfigFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, map[string]string{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	defaults := defaultConfigValues()
	if cfg.Port != defaults.Port || cfg.Root != "." || !cfg.Recursive {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Debounce != 100*time.Millisecond || cfg.LockTimeout != 0 {
		t.Fatalf("unexpected durations: debounce=%s lock=%s", cfg.Debounce, cfg.LockTimeout)
	}
	if cfg.LogLevel != logging.LevelInfo {
		t.Fatalf("expected info level, got %q", cfg.LogLevel)
	}
	for key, source := range cfg.Sources {
		if source != sourceDefault {
			t.Fatalf("expected %s from defaults, got %s", key, source)
		}
	}
	if cfg.Sources["max-concurrent-events"] != sourceDefault {
		t.Fatalf("expected every key to be tracked, got %v", cfg.Sources)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfigFile(t, "metanotify.yaml", "port: 7000\nroot: /srv/file\ndebounce: 250ms\n")
	environ := map[string]string{
		"METANOTIFY_CONFIG": path,
		"METANOTIFY_PORT":   "7100",
	}

	cfg, err := loadConfig([]string{"--port", "7200"}, environ)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 7200 || cfg.Sources["port"] != sourceFlag {
		t.Fatalf("expected flag to win, got %d from %s", cfg.Port, cfg.Sources["port"])
	}
	if cfg.Root != "/srv/file" || cfg.Sources["root"] != sourceFile {
		t.Fatalf("expected root from file, got %q from %s", cfg.Root, cfg.Sources["root"])
	}
	if cfg.Debounce != 250*time.Millisecond || cfg.Sources["debounce"] != sourceFile {
		t.Fatalf("expected debounce from file, got %s", cfg.Debounce)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("expected config file to be recorded, got %q", cfg.ConfigFile)
	}

	cfg, err = loadConfig(nil, environ)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 7100 || cfg.Sources["port"] != sourceEnv {
		t.Fatalf("expected env over file, got %d from %s", cfg.Port, cfg.Sources["port"])
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfigFile(t, "metanotify.toml", strings.Join([]string{
		`recursive = false`,
		`max-watches = 12`,
		`lock-timeout = "2s"`,
		`allowed-origins = ["a.example", "b.example"]`,
		`connect-rate = 2.5`,
		`log-level = "warning"`,
	}, "\n"))

	cfg, err := loadConfig([]string{"--config", path}, map[string]string{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Recursive || cfg.MaxWatches != 12 || cfg.LockTimeout != 2*time.Second {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"a.example", "b.example"}) {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.ConnectRate != 2.5 || cfg.LogLevel != logging.LevelWarning {
		t.Fatalf("unexpected rate %g or level %q", cfg.ConnectRate, cfg.LogLevel)
	}
	if cfg.Sources["recursive"] != sourceFile || cfg.Sources["port"] != sourceDefault {
		t.Fatalf("unexpected sources %v", cfg.Sources)
	}
}

func TestLoadConfigRejectsUnknownFileKeys(t *testing.T) {
	yamlPath := writeConfigFile(t, "bad.yaml", "prot: 80\n")
	if _, err := loadConfig([]string{"--config", yamlPath}, map[string]string{}); err == nil {
		t.Fatalf("expected unknown yaml key to fail")
	}

	tomlPath := writeConfigFile(t, "bad.toml", "prot = 80\n")
	_, err := loadConfig([]string{"--config", tomlPath}, map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "prot") {
		t.Fatalf("expected unknown toml key to be named, got %v", err)
	}

	jsonPath := writeConfigFile(t, "config.json", "{}")
	if _, err := loadConfig([]string{"--config", jsonPath}, map[string]string{}); err == nil {
		t.Fatalf("expected unsupported extension to fail")
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	path := writeConfigFile(t, "test.env", "METANOTIFY_ROOT=/from/dotenv\nMETANOTIFY_PORT=7300\nMETANOTIFY_ALLOWED_ORIGINS=a.example, b.example\n")
	environ := map[string]string{"METANOTIFY_PORT": "7400"}

	cfg, err := loadConfig([]string{"--env-file", path}, environ)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Root != "/from/dotenv" || cfg.Sources["root"] != sourceEnv {
		t.Fatalf("expected root from env file, got %q", cfg.Root)
	}
	if cfg.Port != 7400 {
		t.Fatalf("expected process environment to win over env file, got %d", cfg.Port)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"a.example", "b.example"}) {
		t.Fatalf("expected trimmed origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.EnvFile != path {
		t.Fatalf("expected env file to be recorded, got %q", cfg.EnvFile)
	}
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")
	if _, err := loadConfig([]string{"--env-file", missing}, map[string]string{}); err == nil {
		t.Fatalf("expected explicit missing env file to fail")
	}
	cfg, err := loadConfig(nil, map[string]string{})
	if err != nil {
		t.Fatalf("expected absent default env file to be ignored, got %v", err)
	}
	if cfg.EnvFile != "" {
		t.Fatalf("expected no env file, got %q", cfg.EnvFile)
	}
}

func TestLoadConfigVerboseAndQuiet(t *testing.T) {
	cfg, err := loadConfig([]string{"--verbose", "--log-level", "error"}, map[string]string{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("expected verbose to select debug, got %q", cfg.LogLevel)
	}

	cfg, err = loadConfig([]string{"--quiet"}, map[string]string{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != logging.LevelWarning {
		t.Fatalf("expected quiet to select warning, got %q", cfg.LogLevel)
	}

	cfg, err = loadConfig(nil, map[string]string{"METANOTIFY_LOG_LEVEL": "WARN"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != logging.LevelWarning {
		t.Fatalf("expected normalized level, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		environ map[string]string
		want    string
	}{
		{name: "port", args: []string{"--port", "0"}, want: "invalid port"},
		{name: "max watches", args: []string{"--max-watches", "0"}, want: "invalid max-watches"},
		{name: "concurrency", args: []string{"--max-concurrent-events", "-1"}, want: "invalid max-concurrent-events"},
		{name: "write timeout", args: []string{"--write-timeout", "0s"}, want: "invalid write-timeout"},
		{name: "burst", args: []string{"--connect-rate", "5", "--connect-burst", "0"}, want: "invalid connect-burst"},
		{name: "log level", args: []string{"--log-level", "loud"}, want: "invalid log-level"},
		{name: "env type", environ: map[string]string{"METANOTIFY_PORT": "many"}, want: "parse environment"},
		{name: "extra argument", args: []string{"stray"}, want: "unexpected argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			environ := tc.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := loadConfig(tc.args, environ)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigRequireAuthNeedsHash(t *testing.T) {
	_, err := loadConfig([]string{"--require-auth"}, map[string]string{})
	if !errors.Is(err, auth.ErrNoPasswordHash) {
		t.Fatalf("expected ErrNoPasswordHash, got %v", err)
	}

	hash := auth.Hash("secret", "salt")
	cfg, err := loadConfig([]string{"--require-auth", "--password-hash", hash, "--password-salt", "salt"}, map[string]string{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.authPolicy().Verify("secret", true); err != nil {
		t.Fatalf("expected configured policy to accept the password, got %v", err)
	}
}

func TestLoadConfigVersionShortCircuits(t *testing.T) {
	cfg, err := loadConfig([]string{"--version", "--port", "0"}, map[string]string{})
	if err != nil {
		t.Fatalf("expected version to skip validation, got %v", err)
	}
	if !cfg.ShowVersion {
		t.Fatalf("expected ShowVersion")
	}
}

func TestParseFlagsHelp(t *testing.T) {
	stdout := os.Stdout
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open devnull: %v", err)
	}
	defer devNull.Close()
	os.Stdout = devNull
	defer func() {
		os.Stdout = stdout
	}()

	_, err = parseFlags([]string{"-h"}, defaultConfigValues())
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestEnvironMap(t *testing.T) {
	values := environMap([]string{"A=1", "B=x=y", "broken", "=skip"})
	want := map[string]string{"A": "1", "B": "x=y"}
	if !reflect.DeepEqual(values, want) {
		t.Fatalf("expected %v, got %v", want, values)
	}
}

func TestConfigValueMasksSecrets(t *testing.T) {
	cfg := Config{PasswordHash: "abc", PasswordSalt: "salt", Port: 1}
	if configValue(cfg, "password-hash") != "****" || configValue(cfg, "password-salt") != "****" {
		t.Fatalf("expected secrets to be masked")
	}
	if configValue(cfg, "port") != "1" {
		t.Fatalf("expected port value")
	}
}
