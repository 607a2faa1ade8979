// Package config loads service settings, credentials and the routing file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every settings override, e.g. SWITCHBOARD_ENGINE_THRESHOLD.
const EnvPrefix = "SWITCHBOARD"

// Config holds the application configuration.
type Config struct {
	Settings
	// APIKeys maps provider kind to its credential. Keys are read from the
	// environment only, never from config files.
	APIKeys       map[string]string
	RoutingConfig *RoutingConfig
	ConfigDir     string
}

// Settings are tunables read from config.yaml and SWITCHBOARD_* env vars.
type Settings struct {
	LogLevel    string
	LogFormat   string
	RoutingFile string
	EvidenceDir string

	Threshold     float64
	MaxAttempts   int
	InvokeTimeout time.Duration

	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration

	MinLength      int
	RefusalPhrases []string

	ServerAddr      string
	ShutdownTimeout time.Duration

	TelemetryEnabled  bool
	TelemetryEndpoint string
	ServiceName       string
}

// LoadOptions overrides file locations.
type LoadOptions struct {
	// ConfigFile replaces <config dir>/config.yaml.
	ConfigFile string
	// RoutingFile replaces the routing file named in settings.
	RoutingFile string
	// EnvFile is loaded before reading the environment. Missing files are
	// ignored. Defaults to ".env" in the working directory.
	EnvFile string
}

// providerEnv lists the env vars consulted per provider, first match wins.
var providerEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"google":    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"deepseek":  {"DEEPSEEK_API_KEY"},
	"groq":      {"GROQ_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("routing_file", "")
	v.SetDefault("evidence_dir", "")

	v.SetDefault("engine.threshold", 0.6)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.invoke_timeout", "60s")

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.base_cooldown", "5s")
	v.SetDefault("breaker.max_cooldown", "5m")

	v.SetDefault("quality.min_length", 40)
	v.SetDefault("quality.refusal_phrases", []string{})

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "http://127.0.0.1:4318")
	v.SetDefault("telemetry.service_name", "switchboard")
}

// Load reads configuration. Precedence, highest first: environment,
// config.yaml, built-in defaults.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(configDir, "config.yaml")
	}
	if fileExists(configFile) {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else if opts.ConfigFile != "" {
		return nil, fmt.Errorf("config file %s not found", opts.ConfigFile)
	}

	cfg := &Config{
		Settings:  readSettings(v),
		APIKeys:   loadAPIKeys(),
		ConfigDir: configDir,
	}

	routingPath := opts.RoutingFile
	if routingPath == "" {
		routingPath = cfg.RoutingFile
	}
	if routingPath == "" {
		if candidate := filepath.Join(configDir, "routing.yaml"); fileExists(candidate) {
			routingPath = candidate
		}
	}
	if routingPath != "" {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
		}
		cfg.RoutingConfig = routing
		cfg.RoutingFile = routingPath
	} else {
		cfg.RoutingConfig = DefaultRoutingConfig()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSettings(v *viper.Viper) Settings {
	return Settings{
		LogLevel:          v.GetString("log.level"),
		LogFormat:         v.GetString("log.format"),
		RoutingFile:       v.GetString("routing_file"),
		EvidenceDir:       v.GetString("evidence_dir"),
		Threshold:         v.GetFloat64("engine.threshold"),
		MaxAttempts:       v.GetInt("engine.max_attempts"),
		InvokeTimeout:     v.GetDuration("engine.invoke_timeout"),
		FailureThreshold:  v.GetInt("breaker.failure_threshold"),
		BaseCooldown:      v.GetDuration("breaker.base_cooldown"),
		MaxCooldown:       v.GetDuration("breaker.max_cooldown"),
		MinLength:         v.GetInt("quality.min_length"),
		RefusalPhrases:    v.GetStringSlice("quality.refusal_phrases"),
		ServerAddr:        v.GetString("server.addr"),
		ShutdownTimeout:   v.GetDuration("server.shutdown_timeout"),
		TelemetryEnabled:  v.GetBool("telemetry.enabled"),
		TelemetryEndpoint: v.GetString("telemetry.endpoint"),
		ServiceName:       v.GetString("telemetry.service_name"),
	}
}

func (c *Config) validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("engine.threshold must be within [0,1], got %v", c.Threshold)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("engine.invoke_timeout must be positive, got %s", c.InvokeTimeout)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	return nil
}

// HasProvider returns true if the API key for the given provider is
// configured. The mock provider needs none.
func (c *Config) HasProvider(provider string) bool {
	if provider == "mock" {
		return true
	}
	return c.APIKeys[provider] != ""
}

// APIKey returns the credential for a provider.
func (c *Config) APIKey(provider string) string {
	return c.APIKeys[provider]
}

func loadAPIKeys() map[string]string {
	keys := make(map[string]string, len(providerEnv))
	for provider, vars := range providerEnv {
		for _, name := range vars {
			if val := os.Getenv(name); val != "" {
				keys[provider] = val
				break
			}
		}
	}
	return keys
}

func getConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".switchboard"), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
