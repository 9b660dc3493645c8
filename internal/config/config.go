package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	ToolHost     ToolHostConfig     `koanf:"toolhost"`
	Models       ModelsConfig       `koanf:"models"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Daemon       DaemonConfig       `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// ToolHostConfig describes the tool host subprocess and the protocol timeouts
// applied to its session.
type ToolHostConfig struct {
	ScriptPath       string `koanf:"script_path"`
	PythonCommand    string `koanf:"python_command"`
	NodeCommand      string `koanf:"node_command"`
	HandshakeTimeout string `koanf:"handshake_timeout"`
	CallTimeout      string `koanf:"call_timeout"`
	CloseTimeout     string `koanf:"close_timeout"`
}

type ModelsConfig struct {
	Default  string          `koanf:"default"`
	Fallback string          `koanf:"fallback"`
	Registry []ModelRegistry `koanf:"registry"`
	Sampling SamplingConfig  `koanf:"sampling"`
}

type ModelRegistry struct {
	Name           string `koanf:"name"`
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"base_url"`
	APIKey         string `koanf:"api_key"`
	RequestTimeout string `koanf:"request_timeout"`
}

type SamplingConfig struct {
	MaxTokens      int     `koanf:"max_tokens"`
	Temperature    float64 `koanf:"temperature"`
	TopP           float64 `koanf:"top_p"`
	CandidateCount int     `koanf:"candidate_count"`
}

type OrchestratorConfig struct {
	MaxTurns int `koanf:"max_turns"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	LockDir                string `koanf:"lock_dir"`
	LockTimeout            string `koanf:"lock_timeout"`
	LockRetry              string `koanf:"lock_retry"`
}

const (
	DefaultServerPort                   = 8080
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "300s"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultToolHostPythonCommand        = "python"
	DefaultToolHostNodeCommand          = "node"
	DefaultToolHostHandshakeTimeout     = "30s"
	DefaultToolHostCallTimeout          = "60s"
	DefaultToolHostCloseTimeout         = "5s"
	DefaultModelDefault                 = "claude-3-5-sonnet-20241022"
	DefaultModelFallback                = ""
	DefaultModelRequestTimeout          = "120s"
	DefaultOpenAIBaseURL                = "https://api.openai.com/v1"
	DefaultSamplingMaxTokens            = 1000
	DefaultSamplingTemperature          = 0.7
	DefaultSamplingTopP                 = 1.0
	DefaultSamplingCandidateCount       = 1
	DefaultOrchestratorMaxTurns         = 10
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonLockTimeout            = "5s"
	DefaultDaemonLockRetry              = "100ms"

	// LegacyScriptPathEnv is honoured when toolhost.script_path is unset.
	LegacyScriptPathEnv = "SERVER_SCRIPT_PATH"

	envPrefix = "TOOLBRIDGE_"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                     DefaultServerPort,
		"server.log_level":                DefaultServerLogLevel,
		"server.read_timeout":             DefaultServerReadTimeout,
		"server.write_timeout":            DefaultServerWriteTimeout,
		"server.idle_timeout":             DefaultServerIdleTimeout,
		"server.shutdown_timeout":         DefaultServerShutdownTimeout,
		"toolhost.python_command":         DefaultToolHostPythonCommand,
		"toolhost.node_command":           DefaultToolHostNodeCommand,
		"toolhost.handshake_timeout":      DefaultToolHostHandshakeTimeout,
		"toolhost.call_timeout":           DefaultToolHostCallTimeout,
		"toolhost.close_timeout":          DefaultToolHostCloseTimeout,
		"models.default":                  DefaultModelDefault,
		"models.fallback":                 DefaultModelFallback,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelDefault, Provider: "anthropic"},
			{Name: "gpt-4o", Provider: "openai", BaseURL: DefaultOpenAIBaseURL},
			{Name: "gemini-2.0-flash", Provider: "gemini"},
		},
		"models.sampling.max_tokens":      DefaultSamplingMaxTokens,
		"models.sampling.temperature":     DefaultSamplingTemperature,
		"models.sampling.top_p":           DefaultSamplingTopP,
		"models.sampling.candidate_count": DefaultSamplingCandidateCount,
		"orchestrator.max_turns":          DefaultOrchestratorMaxTurns,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
		"daemon.lock_dir":                 filepath.Join(os.TempDir(), "toolbridge"),
		"daemon.lock_timeout":             DefaultDaemonLockTimeout,
		"daemon.lock_retry":               DefaultDaemonLockRetry,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".toolbridge", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment: TOOLBRIDGE_TOOLHOST__SCRIPT_PATH -> toolhost.script_path
	k.Load(env.Provider(envPrefix, ".", envKey), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "openai"
		}
	}

	if strings.TrimSpace(cfg.ToolHost.ScriptPath) == "" {
		cfg.ToolHost.ScriptPath = os.Getenv(LegacyScriptPathEnv)
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	injectProviderKeys(&cfg)

	return &cfg, nil
}

func envKey(s string) string {
	trimmed := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(trimmed, "__", ".")
}

// injectProviderKeys fills empty registry keys from the providers' standard variables.
func injectProviderKeys(cfg *Config) {
	standard := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}
	for i, m := range cfg.Models.Registry {
		if m.APIKey != "" {
			continue
		}
		name, ok := standard[m.Provider]
		if !ok {
			continue
		}
		if key := os.Getenv(name); key != "" {
			cfg.Models.Registry[i].APIKey = key
		}
	}
}

// Validate reports settings a running bridge cannot do without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ToolHost.ScriptPath) == "" {
		return fmt.Errorf("toolhost.script_path is required (or set %s)", LegacyScriptPathEnv)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	if _, ok := c.Models.Lookup(c.Models.Default); !ok {
		return fmt.Errorf("models.default %q is not in models.registry", c.Models.Default)
	}
	if c.Models.Fallback != "" {
		if _, ok := c.Models.Lookup(c.Models.Fallback); !ok {
			return fmt.Errorf("models.fallback %q is not in models.registry", c.Models.Fallback)
		}
	}
	if c.Models.Sampling.MaxTokens <= 0 {
		return fmt.Errorf("models.sampling.max_tokens must be positive")
	}
	if c.Orchestrator.MaxTurns < 0 {
		return fmt.Errorf("orchestrator.max_turns must not be negative")
	}

	durations := map[string]string{
		"toolhost.handshake_timeout": c.ToolHost.HandshakeTimeout,
		"toolhost.call_timeout":      c.ToolHost.CallTimeout,
		"toolhost.close_timeout":     c.ToolHost.CloseTimeout,
	}
	for key, value := range durations {
		if _, err := DurationOrDefault(value, ""); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Lookup finds a registry entry by model name.
func (m ModelsConfig) Lookup(name string) (ModelRegistry, bool) {
	for _, entry := range m.Registry {
		if entry.Name == name {
			return entry, true
		}
	}
	return ModelRegistry{}, false
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	scriptPath, err := expandConfiguredPath(cfg.ToolHost.ScriptPath)
	if err != nil {
		return err
	}
	cfg.ToolHost.ScriptPath = scriptPath

	lockDir, err := expandConfiguredPath(cfg.Daemon.LockDir)
	if err != nil {
		return err
	}
	if lockDir != "" {
		cfg.Daemon.LockDir = lockDir
	}

	return nil
}

// expandConfiguredPath resolves environment variables and a leading "~/".
func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(expanded, "~"), "/"))
	}

	return filepath.Clean(expanded), nil
}
