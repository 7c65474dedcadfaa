package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"metanotify/internal/auth"
	"metanotify/internal/cli"
	"metanotify/internal/logging"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "METANOTIFY_"

const defaultEnvFile = ".env"

type Config struct {
	Port                int
	Root                string
	Recursive           bool
	MaxWatches          int
	Debounce            time.Duration
	RequireAuth         bool
	PasswordHash        string
	PasswordSalt        string
	LockTimeout         time.Duration
	MaxConcurrentEvents int
	WriteTimeout        time.Duration
	AllowedOrigins      []string
	ConnectRate         float64
	ConnectBurst        int
	LogLevel            logging.Level
	ConfigFile          string
	EnvFile             string
	ShowVersion         bool
	Sources             map[string]configSource
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

// settings holds the values of one configuration layer. The yaml tag is the
// canonical key name used for flags, files and source tracking.
type settings struct {
	Port                int           `yaml:"port" toml:"port" env:"PORT"`
	Root                string        `yaml:"root" toml:"root" env:"ROOT"`
	Recursive           bool          `yaml:"recursive" toml:"recursive" env:"RECURSIVE"`
	MaxWatches          int           `yaml:"max-watches" toml:"max-watches" env:"MAX_WATCHES"`
	Debounce            time.Duration `yaml:"debounce" toml:"debounce" env:"DEBOUNCE"`
	RequireAuth         bool          `yaml:"require-auth" toml:"require-auth" env:"REQUIRE_AUTH"`
	PasswordHash        string        `yaml:"password-hash" toml:"password-hash" env:"PASSWORD_HASH"`
	PasswordSalt        string        `yaml:"password-salt" toml:"password-salt" env:"PASSWORD_SALT"`
	LockTimeout         time.Duration `yaml:"lock-timeout" toml:"lock-timeout" env:"LOCK_TIMEOUT"`
	MaxConcurrentEvents int           `yaml:"max-concurrent-events" toml:"max-concurrent-events" env:"MAX_CONCURRENT_EVENTS"`
	WriteTimeout        time.Duration `yaml:"write-timeout" toml:"write-timeout" env:"WRITE_TIMEOUT"`
	AllowedOrigins      []string      `yaml:"allowed-origins" toml:"allowed-origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	ConnectRate         float64       `yaml:"connect-rate" toml:"connect-rate" env:"CONNECT_RATE"`
	ConnectBurst        int           `yaml:"connect-burst" toml:"connect-burst" env:"CONNECT_BURST"`
	LogLevel            string        `yaml:"log-level" toml:"log-level" env:"LOG_LEVEL"`
}

// layer is a settings value plus the keys it actually provides.
type layer struct {
	source configSource
	values settings
	set    map[string]bool
}

func (l layer) has(key string) bool {
	return l.set[key]
}

type flagValues struct {
	Values     settings
	ConfigFile string
	EnvFile    string
	Verbose    bool
	Quiet      bool
	Help       bool
	Version    bool
	Set        map[string]bool
}

type helpOption struct {
	Name string
	Desc string
}

func defaultConfigValues() settings {
	return settings{
		Port:                6442,
		Root:                ".",
		Recursive:           true,
		MaxWatches:          1024,
		Debounce:            100 * time.Millisecond,
		RequireAuth:         false,
		LockTimeout:         0,
		MaxConcurrentEvents: 64,
		WriteTimeout:        10 * time.Second,
		ConnectRate:         0,
		ConnectBurst:        16,
		LogLevel:            string(logging.LevelInfo),
	}
}

// loadConfig resolves the configuration from defaults, an optional config
// file, the environment (including a .env file) and flags, in increasing
// precedence. environ holds the process environment.
func loadConfig(args []string, environ map[string]string) (Config, error) {
	defaults := defaultConfigValues()
	flags, err := parseFlags(args, defaults)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Sources:     make(map[string]configSource),
		ShowVersion: flags.Version,
	}
	if flags.Version {
		return cfg, nil
	}

	envFile, envFileRequired := resolveEnvFile(flags, environ)
	merged, err := mergeEnvFile(environ, envFile, envFileRequired)
	if err != nil {
		return Config{}, err
	}
	if envFileRequired || merged.loaded {
		cfg.EnvFile = envFile
	}

	envLayer, err := parseEnvLayer(merged.values)
	if err != nil {
		return Config{}, err
	}

	layers := []layer{{source: sourceDefault, values: defaults, set: allKeys()}}

	configFile := strings.TrimSpace(merged.values[envPrefix+"CONFIG"])
	if flags.Set["config"] {
		configFile = strings.TrimSpace(flags.ConfigFile)
		if configFile == "" {
			return Config{}, fmt.Errorf("invalid --config: value cannot be empty")
		}
	}
	if configFile != "" {
		fileLayer, err := readConfigFile(configFile)
		if err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = configFile
		layers = append(layers, fileLayer)
	}

	layers = append(layers, envLayer, layer{source: sourceFlag, values: flags.Values, set: flags.Set})
	for _, next := range layers {
		cfg.apply(next)
	}

	if flags.Verbose {
		cfg.LogLevel = logging.LevelDebug
		cfg.Sources["log-level"] = sourceFlag
	} else if flags.Quiet {
		cfg.LogLevel = logging.LevelWarning
		cfg.Sources["log-level"] = sourceFlag
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) apply(next layer) {
	values := next.values
	if next.has("port") {
		cfg.Port = values.Port
		cfg.Sources["port"] = next.source
	}
	if next.has("root") {
		cfg.Root = strings.TrimSpace(values.Root)
		cfg.Sources["root"] = next.source
	}
	if next.has("recursive") {
		cfg.Recursive = values.Recursive
		cfg.Sources["recursive"] = next.source
	}
	if next.has("max-watches") {
		cfg.MaxWatches = values.MaxWatches
		cfg.Sources["max-watches"] = next.source
	}
	if next.has("debounce") {
		cfg.Debounce = values.Debounce
		cfg.Sources["debounce"] = next.source
	}
	if next.has("require-auth") {
		cfg.RequireAuth = values.RequireAuth
		cfg.Sources["require-auth"] = next.source
	}
	if next.has("password-hash") {
		cfg.PasswordHash = strings.TrimSpace(values.PasswordHash)
		cfg.Sources["password-hash"] = next.source
	}
	if next.has("password-salt") {
		cfg.PasswordSalt = values.PasswordSalt
		cfg.Sources["password-salt"] = next.source
	}
	if next.has("lock-timeout") {
		cfg.LockTimeout = values.LockTimeout
		cfg.Sources["lock-timeout"] = next.source
	}
	if next.has("max-concurrent-events") {
		cfg.MaxConcurrentEvents = values.MaxConcurrentEvents
		cfg.Sources["max-concurrent-events"] = next.source
	}
	if next.has("write-timeout") {
		cfg.WriteTimeout = values.WriteTimeout
		cfg.Sources["write-timeout"] = next.source
	}
	if next.has("allowed-origins") {
		cfg.AllowedOrigins = append([]string(nil), values.AllowedOrigins...)
		cfg.Sources["allowed-origins"] = next.source
	}
	if next.has("connect-rate") {
		cfg.ConnectRate = values.ConnectRate
		cfg.Sources["connect-rate"] = next.source
	}
	if next.has("connect-burst") {
		cfg.ConnectBurst = values.ConnectBurst
		cfg.Sources["connect-burst"] = next.source
	}
	if next.has("log-level") {
		cfg.LogLevel = logging.Level(strings.TrimSpace(values.LogLevel))
		cfg.Sources["log-level"] = next.source
	}
}

func (cfg *Config) validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d (%s): must be between 1 and 65535", cfg.Port, cfg.Sources["port"])
	}
	if cfg.Root == "" {
		return fmt.Errorf("invalid root (%s): value cannot be empty", cfg.Sources["root"])
	}
	if cfg.MaxWatches <= 0 {
		return fmt.Errorf("invalid max-watches %d (%s): must be > 0", cfg.MaxWatches, cfg.Sources["max-watches"])
	}
	if cfg.Debounce < 0 {
		return fmt.Errorf("invalid debounce %s (%s): must be >= 0", cfg.Debounce, cfg.Sources["debounce"])
	}
	if cfg.LockTimeout < 0 {
		return fmt.Errorf("invalid lock-timeout %s (%s): must be >= 0", cfg.LockTimeout, cfg.Sources["lock-timeout"])
	}
	if cfg.MaxConcurrentEvents <= 0 {
		return fmt.Errorf("invalid max-concurrent-events %d (%s): must be > 0", cfg.MaxConcurrentEvents, cfg.Sources["max-concurrent-events"])
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write-timeout %s (%s): must be > 0", cfg.WriteTimeout, cfg.Sources["write-timeout"])
	}
	if cfg.ConnectRate < 0 {
		return fmt.Errorf("invalid connect-rate %g (%s): must be >= 0", cfg.ConnectRate, cfg.Sources["connect-rate"])
	}
	if cfg.ConnectRate > 0 && cfg.ConnectBurst <= 0 {
		return fmt.Errorf("invalid connect-burst %d (%s): must be > 0 when connect-rate is set", cfg.ConnectBurst, cfg.Sources["connect-burst"])
	}
	level, ok := logging.ParseLevel(string(cfg.LogLevel))
	if !ok {
		return fmt.Errorf("invalid log-level %q (%s)", cfg.LogLevel, cfg.Sources["log-level"])
	}
	cfg.LogLevel = level
	if err := cfg.authPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid require-auth (%s): %w", cfg.Sources["require-auth"], err)
	}
	return nil
}

func (cfg Config) authPolicy() auth.Policy {
	return auth.Policy{
		Required: cfg.RequireAuth,
		Salt:     cfg.PasswordSalt,
		Hash:     cfg.PasswordHash,
	}
}

func parseFlags(args []string, defaults settings) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	values := defaults
	var origins cli.StringList
	flags := flagValues{}

	fs := flag.NewFlagSet("metanotify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&values.Port, "port", defaults.Port, "HTTP listen port")
	fs.StringVar(&values.Root, "root", defaults.Root, "Directory to watch")
	fs.BoolVar(&values.Recursive, "recursive", defaults.Recursive, "Watch subdirectories")
	fs.IntVar(&values.MaxWatches, "max-watches", defaults.MaxWatches, "Max watched directories")
	fs.DurationVar(&values.Debounce, "debounce", defaults.Debounce, "Change coalescing window")
	fs.BoolVar(&values.RequireAuth, "require-auth", defaults.RequireAuth, "Require a subscriber password")
	fs.StringVar(&values.PasswordHash, "password-hash", defaults.PasswordHash, "Stored password hash")
	fs.StringVar(&values.PasswordSalt, "password-salt", defaults.PasswordSalt, "Password salt")
	fs.DurationVar(&values.LockTimeout, "lock-timeout", defaults.LockTimeout, "Max wait for a busy resource")
	fs.IntVar(&values.MaxConcurrentEvents, "max-concurrent-events", defaults.MaxConcurrentEvents, "Max changes processed at once")
	fs.DurationVar(&values.WriteTimeout, "write-timeout", defaults.WriteTimeout, "Per-send write deadline")
	fs.Var(&origins, "allowed-origins", "Allowed websocket origins")
	fs.Float64Var(&values.ConnectRate, "connect-rate", defaults.ConnectRate, "Connections per second")
	fs.IntVar(&values.ConnectBurst, "connect-burst", defaults.ConnectBurst, "Connection burst")
	fs.StringVar(&values.LogLevel, "log-level", defaults.LogLevel, "Log level")
	fs.StringVar(&flags.ConfigFile, "config", "", "Config file")
	fs.StringVar(&flags.EnvFile, "env-file", "", "Env file")
	fs.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&flags.Quiet, "quiet", false, "Reduce logging to warnings")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show help", "Print version and exit")

	fs.Usage = func() {
		printHelp(fs.Output(), defaults)
	}

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if fs.NArg() > 0 {
		return flagValues{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	values.AllowedOrigins = []string(origins)
	flags.Values = values
	flags.Set = cli.Visited(fs)
	flags.Help = helpVersion.Help
	flags.Version = helpVersion.Version

	if flags.Help {
		flags.Set["help"] = true
		fs.SetOutput(os.Stdout)
		fs.Usage()
		return flags, flag.ErrHelp
	}
	if flags.Version {
		flags.Set["version"] = true
	}
	return flags, nil
}

func resolveEnvFile(flags flagValues, environ map[string]string) (string, bool) {
	if flags.Set["env-file"] {
		return strings.TrimSpace(flags.EnvFile), true
	}
	if path := strings.TrimSpace(environ[envPrefix+"ENV_FILE"]); path != "" {
		return path, true
	}
	return defaultEnvFile, false
}

type mergedEnv struct {
	values map[string]string
	loaded bool
}

// mergeEnvFile overlays the process environment on the values read from
// path. A missing file is an error only when it was asked for explicitly.
func mergeEnvFile(environ map[string]string, path string, required bool) (mergedEnv, error) {
	values := make(map[string]string, len(environ))
	loaded := false
	if path != "" {
		fromFile, err := godotenv.Read(path)
		switch {
		case err == nil:
			for key, value := range fromFile {
				values[key] = value
			}
			loaded = true
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return mergedEnv{}, fmt.Errorf("read env file %s: %w", path, err)
		}
	}
	for key, value := range environ {
		values[key] = value
	}
	return mergedEnv{values: values, loaded: loaded}, nil
}

func parseEnvLayer(environ map[string]string) (layer, error) {
	var values settings
	if err := env.ParseWithOptions(&values, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return layer{}, fmt.Errorf("parse environment: %w", err)
	}
	values.AllowedOrigins = cli.SplitList(strings.Join(values.AllowedOrigins, ","))
	set := make(map[string]bool)
	forEachKey(func(key, envName string) {
		if environ[envPrefix+envName] != "" {
			set[key] = true
		}
	})
	return layer{source: sourceEnv, values: values, set: set}, nil
}

// forEachKey visits every settings field with its key and env variable name.
func forEachKey(visit func(key, envName string)) {
	settingsType := reflect.TypeOf(settings{})
	for i := 0; i < settingsType.NumField(); i++ {
		field := settingsType.Field(i)
		visit(field.Tag.Get("yaml"), strings.Split(field.Tag.Get("env"), ",")[0])
	}
}

func allKeys() map[string]bool {
	set := make(map[string]bool)
	forEachKey(func(key, _ string) {
		set[key] = true
	})
	return set
}

func environMap(entries []string) map[string]string {
	values := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		values[key] = value
	}
	return values
}

func printHelp(out io.Writer, defaults settings) {
	fmt.Fprintln(out, "Usage: metanotify [serve] [options]")
	fmt.Fprintln(out, "       metanotify hash [--salt SALT] [--bcrypt] PASSWORD")
	fmt.Fprintln(out, "       metanotify version")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Pushes change notifications for a watched directory to websocket subscribers")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")

	writeOptionGroup(out, "Server", []helpOption{
		{
			Name: "--port PORT",
			Desc: fmt.Sprintf("HTTP listen port (env: METANOTIFY_PORT, default: %d)", defaults.Port),
		},
		{
			Name: "--write-timeout DUR",
			Desc: fmt.Sprintf("Per-send write deadline (env: METANOTIFY_WRITE_TIMEOUT, default: %s)", defaults.WriteTimeout),
		},
		{
			Name: "--allowed-origins LIST",
			Desc: "Allowed websocket origins (env: METANOTIFY_ALLOWED_ORIGINS, default: same host)",
		},
		{
			Name: "--connect-rate N",
			Desc: "New connections per second (env: METANOTIFY_CONNECT_RATE, default: unlimited)",
		},
		{
			Name: "--connect-burst N",
			Desc: fmt.Sprintf("Connection burst (env: METANOTIFY_CONNECT_BURST, default: %d)", defaults.ConnectBurst),
		},
	})

	writeOptionGroup(out, "Auth", []helpOption{
		{
			Name: "--require-auth",
			Desc: fmt.Sprintf("Require a subscriber password (env: METANOTIFY_REQUIRE_AUTH, default: %t)", defaults.RequireAuth),
		},
		{
			Name: "--password-hash HASH",
			Desc: "Output of `metanotify hash` (env: METANOTIFY_PASSWORD_HASH)",
		},
		{
			Name: "--password-salt SALT",
			Desc: "Salt used for the hash (env: METANOTIFY_PASSWORD_SALT)",
		},
	})

	writeOptionGroup(out, "Watcher", []helpOption{
		{
			Name: "--root DIR",
			Desc: fmt.Sprintf("Directory to watch (env: METANOTIFY_ROOT, default: %s)", defaults.Root),
		},
		{
			Name: "--recursive",
			Desc: fmt.Sprintf("Watch subdirectories (env: METANOTIFY_RECURSIVE, default: %t)", defaults.Recursive),
		},
		{
			Name: "--max-watches N",
			Desc: fmt.Sprintf("Max watched directories (env: METANOTIFY_MAX_WATCHES, default: %d)", defaults.MaxWatches),
		},
		{
			Name: "--debounce DUR",
			Desc: fmt.Sprintf("Change coalescing window (env: METANOTIFY_DEBOUNCE, default: %s)", defaults.Debounce),
		},
	})

	writeOptionGroup(out, "Delivery", []helpOption{
		{
			Name: "--lock-timeout DUR",
			Desc: "Max wait for a busy resource (env: METANOTIFY_LOCK_TIMEOUT, default: wait indefinitely)",
		},
		{
			Name: "--max-concurrent-events N",
			Desc: fmt.Sprintf("Changes processed at once (env: METANOTIFY_MAX_CONCURRENT_EVENTS, default: %d)", defaults.MaxConcurrentEvents),
		},
	})

	writeOptionGroup(out, "Config", []helpOption{
		{
			Name: "--config FILE",
			Desc: "YAML or TOML config file (env: METANOTIFY_CONFIG)",
		},
		{
			Name: "--env-file FILE",
			Desc: fmt.Sprintf("Env file (env: METANOTIFY_ENV_FILE, default: %s if present)", defaultEnvFile),
		},
	})

	writeOptionGroup(out, "Logging", []helpOption{
		{
			Name: "--log-level LEVEL",
			Desc: fmt.Sprintf("debug, info, warning or error (env: METANOTIFY_LOG_LEVEL, default: %s)", defaults.LogLevel),
		},
		{
			Name: "--verbose",
			Desc: "Enable verbose logging",
		},
		{
			Name: "--quiet",
			Desc: "Reduce logging to warnings",
		},
	})

	writeOptionGroup(out, "Other", []helpOption{
		{
			Name: "--help, -h",
			Desc: "Show help and exit",
		},
		{
			Name: "--version, -v",
			Desc: "Print version and exit",
		},
	})
}

func writeOptionGroup(out io.Writer, title string, options []helpOption) {
	if len(options) == 0 {
		return
	}
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, title+":")
	for _, option := range options {
		fmt.Fprintf(out, "  %-28s %s\n", option.Name, option.Desc)
	}
}

// logConfigSources logs every setting that did not come from a default.
func logConfigSources(logger *logging.Logger, cfg Config) {
	if logger == nil {
		return
	}
	keys := make([]string, 0, len(cfg.Sources))
	for key, source := range cfg.Sources {
		if source != sourceDefault {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		logger.Debug("config override", map[string]string{
			"key":    key,
			"source": string(cfg.Sources[key]),
			"value":  configValue(cfg, key),
		})
	}
}

func configValue(cfg Config, key string) string {
	switch key {
	case "port":
		return strconv.Itoa(cfg.Port)
	case "root":
		return cfg.Root
	case "recursive":
		return strconv.FormatBool(cfg.Recursive)
	case "max-watches":
		return strconv.Itoa(cfg.MaxWatches)
	case "debounce":
		return cfg.Debounce.String()
	case "require-auth":
		return strconv.FormatBool(cfg.RequireAuth)
	case "password-hash", "password-salt":
		return "****"
	case "lock-timeout":
		return cfg.LockTimeout.String()
	case "max-concurrent-events":
		return strconv.Itoa(cfg.MaxConcurrentEvents)
	case "write-timeout":
		return cfg.WriteTimeout.String()
	case "allowed-origins":
		return strings.Join(cfg.AllowedOrigins, ",")
	case "connect-rate":
		return strconv.FormatFloat(cfg.ConnectRate, 'g', -1, 64)
	case "connect-burst":
		return strconv.Itoa(cfg.ConnectBurst)
	case "log-level":
		return string(cfg.LogLevel)
	default:
		return ""
	}
}
