package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultContextWindow is used when a model has no explicit entry.
const DefaultContextWindow = 128000

// Strategy selects how a turn is driven. It is fixed per deployment.
type Strategy string

const (
	// StrategyServer calls the completion backend from the server and routes
	// tool calls to server-resident handlers or the driver.
	StrategyServer Strategy = "server"
	// StrategyDriver hands the whole turn to the active driver.
	StrategyDriver Strategy = "driver"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyServer:
		return StrategyServer, nil
	case StrategyDriver:
		return StrategyDriver, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want %q or %q)", s, StrategyServer, StrategyDriver)
	}
}

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Completion   CompletionConfig   `yaml:"completion"`
	Search       SearchConfig       `yaml:"search"`
	Transport    TransportConfig    `yaml:"transport"`
	Health       HealthConfig       `yaml:"health"`
	Privacy      PrivacyConfig      `yaml:"privacy"`
	Log          LogConfig          `yaml:"log"`
	Models       map[string]int     `yaml:"models"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OrchestratorConfig struct {
	Strategy      Strategy      `yaml:"strategy"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	PingTimeout   time.Duration `yaml:"ping_timeout"`
}

type CompletionConfig struct {
	Provider        string        `yaml:"provider"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	Temperature     float64       `yaml:"temperature"`
	TopP            float64       `yaml:"top_p"`
	TopK            int           `yaml:"top_k"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type SearchConfig struct {
	APIKey          string        `yaml:"api_key"`
	Endpoint        string        `yaml:"endpoint"`
	ResultsPerQuery int           `yaml:"results_per_query"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	Timeout         time.Duration `yaml:"timeout"`
}

// TransportConfig tunes the WebSocket layer.
type TransportConfig struct {
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

type HealthConfig struct {
	// FailureThreshold is the number of consecutive upstream failures
	// before an upstream is reported as failed.
	FailureThreshold int `yaml:"failure_threshold"`
}

type PrivacyConfig struct {
	MaskSessionIDs bool `yaml:"mask_session_ids"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Strategy:      StrategyServer,
			MaxToolRounds: 5,
			ToolTimeout:   120 * time.Second,
			TurnTimeout:   300 * time.Second,
			PingTimeout:   10 * time.Second,
		},
		Completion: CompletionConfig{
			Provider:        ProviderGemini,
			Model:           "gemini-2.5-flash",
			Temperature:     0.7,
			TopP:            0.95,
			TopK:            40,
			MaxOutputTokens: 8192,
			RequestTimeout:  120 * time.Second,
		},
		Search: SearchConfig{
			Endpoint:        "https://google.serper.dev/search",
			ResultsPerQuery: 4,
			MaxConcurrency:  4,
			Timeout:         30 * time.Second,
		},
		Transport: TransportConfig{
			SendBuffer:      256,
			WriteTimeout:    10 * time.Second,
			PingInterval:    25 * time.Second,
			PongTimeout:     60 * time.Second,
			MaxMessageBytes: 4 << 20,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
		},
		Privacy: PrivacyConfig{
			MaskSessionIDs: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Models: map[string]int{
			"default":          DefaultContextWindow,
			"gemini-2.5-flash": 1048576,
			"gpt-4o":           128000,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// envBindings maps config keys to the environment variables that may set
// them. Names without a prefix match the deployment environment the
// assistant has always used.
var envBindings = map[string][]string{
	"server.host":           {"HOST"},
	"server.port":           {"PORT"},
	"orchestrator.strategy": {"STRATEGY"},
	"completion.provider":   {"COMPLETION_PROVIDER"},
	"completion.api_key":    {"GEMINI_API_KEY", "OPENAI_API_KEY"},
	"completion.model":      {"COMPLETION_MODEL"},
	"completion.base_url":   {"COMPLETION_BASE_URL", "OPENAI_BASE_URL"},
	"search.api_key":        {"SERPER_API_KEY"},
	"log.level":             {"LOG_LEVEL"},
	"log.format":            {"LOG_FORMAT"},
}

// BindEnv registers the environment variables understood by Overlay.
func BindEnv(v *viper.Viper) error {
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return nil
}

// Overlay applies values from v (environment variables and bound flags)
// on top of the file configuration. Empty values leave the file value.
func (c *Config) Overlay(v *viper.Viper) error {
	if s := v.GetString("server.host"); s != "" {
		c.Server.Host = s
	}
	if p := v.GetInt("server.port"); p > 0 {
		c.Server.Port = p
	}
	if s := v.GetString("orchestrator.strategy"); s != "" {
		st, err := ParseStrategy(s)
		if err != nil {
			return err
		}
		c.Orchestrator.Strategy = st
	}
	if s := v.GetString("completion.provider"); s != "" {
		c.Completion.Provider = strings.ToLower(s)
	}
	if s := v.GetString("completion.api_key"); s != "" {
		c.Completion.APIKey = s
	}
	if s := v.GetString("completion.model"); s != "" {
		c.Completion.Model = s
	}
	if s := v.GetString("completion.base_url"); s != "" {
		c.Completion.BaseURL = s
	}
	if s := v.GetString("search.api_key"); s != "" {
		c.Search.APIKey = s
	}
	if s := v.GetString("log.level"); s != "" {
		c.Log.Level = s
	}
	if s := v.GetString("log.format"); s != "" {
		c.Log.Format = s
	}
	return nil
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseStrategy(string(c.Orchestrator.Strategy)); err != nil {
		errs = append(errs, err)
	}
	switch c.Completion.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown completion provider %q", c.Completion.Provider))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Orchestrator.MaxToolRounds < 0 {
		errs = append(errs, errors.New("orchestrator.max_tool_rounds must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"orchestrator.tool_timeout": c.Orchestrator.ToolTimeout,
		"orchestrator.turn_timeout": c.Orchestrator.TurnTimeout,
		"orchestrator.ping_timeout": c.Orchestrator.PingTimeout,
		"transport.write_timeout":   c.Transport.WriteTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with credentials masked, suitable for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Completion.APIKey = redact(c.Completion.APIKey)
	cp.Search.APIKey = redact(c.Search.APIKey)
	return &cp
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// Address returns the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxContextTokens returns the context window configured for model.
func (c *Config) MaxContextTokens(model string) int {
	if n, ok := c.Models[model]; ok {
		return n
	}
	if n, ok := c.Models["default"]; ok {
		return n
	}
	return DefaultContextWindow
}
