// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. WEBSCOUT_AGENT_MAX_STEPS.
const EnvPrefix = "WEBSCOUT"

// Config is the root of the application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Reflection ReflectionConfig `mapstructure:"reflection" yaml:"reflection"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	LLM        LLMRouterConfig  `mapstructure:"llm" yaml:"llm"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Archive    ArchiveConfig    `mapstructure:"archive" yaml:"archive"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig holds the control loop budgets and timeouts.
type AgentConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxStepsPerGoal   int           `mapstructure:"max_steps_per_goal" yaml:"max_steps_per_goal"`
	MaxReplans        int           `mapstructure:"max_replans" yaml:"max_replans"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	JudgeTimeout      time.Duration `mapstructure:"judge_timeout" yaml:"judge_timeout"`
	EventBuffer       int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	// SearchURL is a fmt template taking the query-escaped goal.
	SearchURL string `mapstructure:"search_url" yaml:"search_url"`
	// IdleSessionTTL evicts abandoned sessions from working memory.
	IdleSessionTTL time.Duration `mapstructure:"idle_session_ttl" yaml:"idle_session_ttl"`
}

// ReflectionConfig tunes the heuristic detectors of the reflection engine.
type ReflectionConfig struct {
	LoopWindow             int           `mapstructure:"loop_window" yaml:"loop_window"`
	LoopThreshold          int           `mapstructure:"loop_threshold" yaml:"loop_threshold"`
	StuckWindow            int           `mapstructure:"stuck_window" yaml:"stuck_window"`
	JudgeTimeout           time.Duration `mapstructure:"-" yaml:"-"`
	ExtraChallengePatterns []string      `mapstructure:"extra_challenge_patterns" yaml:"extra_challenge_patterns"`
}

// ExtractionConfig bounds what is sent to the judgment service per page.
type ExtractionConfig struct {
	MaxContentChars  int           `mapstructure:"max_content_chars" yaml:"max_content_chars"`
	MinContentLength int           `mapstructure:"min_content_length" yaml:"min_content_length"`
	MaxHintFindings  int           `mapstructure:"max_hint_findings" yaml:"max_hint_findings"`
	JudgeTimeout     time.Duration `mapstructure:"-" yaml:"-"`
}

// LLMProvider defines the supported judgment service providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// BrowserEngine selects the web-automation driver.
type BrowserEngine string

const (
	EngineChromedp BrowserEngine = "chromedp"
	EngineHTTP     BrowserEngine = "http"
)

// BrowserConfig configures the web-automation driver.
type BrowserConfig struct {
	Engine          BrowserEngine `mapstructure:"engine" yaml:"engine"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	Width           int           `mapstructure:"width" yaml:"width"`
	Height          int           `mapstructure:"height" yaml:"height"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// ArchiveDriver selects where finished sessions are stored.
type ArchiveDriver string

const (
	ArchiveNone     ArchiveDriver = "none"
	ArchiveSQLite   ArchiveDriver = "sqlite"
	ArchivePostgres ArchiveDriver = "postgres"
)

// ArchiveConfig configures session audit persistence.
type ArchiveConfig struct {
	Driver ArchiveDriver `mapstructure:"driver" yaml:"driver"`
	DSN    string        `mapstructure:"dsn" yaml:"dsn"`
	Path   string        `mapstructure:"path" yaml:"path"`
}

// EventsConfig configures where step events are delivered besides the console.
type EventsConfig struct {
	JSONLPath string     `mapstructure:"jsonl_path" yaml:"jsonl_path"`
	NATS      NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig configures the NATS event sink.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.propagate()
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webscout")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.max_steps", 40)
	v.SetDefault("agent.max_steps_per_goal", 15)
	v.SetDefault("agent.max_replans", 2)
	v.SetDefault("agent.session_timeout", "10m")
	v.SetDefault("agent.action_timeout", "8s")
	v.SetDefault("agent.navigation_timeout", "9s")
	v.SetDefault("agent.judge_timeout", "45s")
	v.SetDefault("agent.event_buffer", 64)
	v.SetDefault("agent.search_url", "https://html.duckduckgo.com/html/?q=%s")
	v.SetDefault("agent.idle_session_ttl", "1h")

	// -- Reflection --
	v.SetDefault("reflection.loop_window", 3)
	v.SetDefault("reflection.loop_threshold", 2)
	v.SetDefault("reflection.stuck_window", 3)

	// -- Extraction --
	v.SetDefault("extraction.max_content_chars", 15000)
	v.SetDefault("extraction.min_content_length", 200)
	v.SetDefault("extraction.max_hint_findings", 20)

	// -- LLM --
	// Model keys must not contain dots; viper treats them as nesting.
	v.SetDefault("llm.default_fast_model", "gemini-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-pro")
	v.SetDefault("llm.models.gemini-flash.provider", string(ProviderGemini))
	v.SetDefault("llm.models.gemini-flash.model", "gemini-2.5-flash")
	v.SetDefault("llm.models.gemini-flash.api_timeout", "30s")
	v.SetDefault("llm.models.gemini-flash.temperature", 0.1)
	v.SetDefault("llm.models.gemini-flash.rate_limit", 2.0)
	v.SetDefault("llm.models.gemini-flash.burst", 4)
	v.SetDefault("llm.models.gemini-pro.provider", string(ProviderGemini))
	v.SetDefault("llm.models.gemini-pro.model", "gemini-2.5-pro")
	v.SetDefault("llm.models.gemini-pro.api_timeout", "60s")
	v.SetDefault("llm.models.gemini-pro.temperature", 0.2)
	v.SetDefault("llm.models.gemini-pro.rate_limit", 1.0)
	v.SetDefault("llm.models.gemini-pro.burst", 2)

	// -- Browser --
	v.SetDefault("browser.engine", string(EngineChromedp))
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.width", 1366)
	v.SetDefault("browser.height", 900)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.max_body_bytes", 5<<20)

	// -- Archive --
	v.SetDefault("archive.driver", string(ArchiveNone))
	v.SetDefault("archive.path", "~/.webscout/sessions.db")

	// -- Events --
	v.SetDefault("events.jsonl_path", "")
	v.SetDefault("events.nats.enabled", false)
	v.SetDefault("events.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("events.nats.subject_prefix", "webscout.sessions")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets come from the environment rather than the config file.
	_ = v.BindEnv("archive.dsn", EnvPrefix+"_ARCHIVE_DSN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.fillAPIKeysFromEnv()
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	cfg.propagate()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// fillAPIKeysFromEnv loads provider keys the config file left empty.
func (c *Config) fillAPIKeysFromEnv() {
	for name, m := range c.LLM.Models {
		if m.APIKey != "" {
			continue
		}
		switch m.Provider {
		case ProviderGemini:
			m.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		case ProviderOpenAI:
			m.APIKey = firstEnv("OPENAI_API_KEY")
		}
		c.LLM.Models[name] = m
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// expandPaths resolves "~" in every file path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Archive.Path, &c.Events.JSONLPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// propagate copies shared settings into the sections that need them.
func (c *Config) propagate() {
	c.Reflection.JudgeTimeout = c.Agent.JudgeTimeout
	c.Extraction.JudgeTimeout = c.Agent.JudgeTimeout
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.MaxStepsPerGoal <= 0 {
		return fmt.Errorf("agent.max_steps_per_goal must be a positive integer")
	}
	if c.Agent.MaxReplans < 0 {
		return fmt.Errorf("agent.max_replans cannot be negative")
	}
	if c.Agent.SessionTimeout <= 0 || c.Agent.ActionTimeout <= 0 || c.Agent.NavigationTimeout <= 0 || c.Agent.JudgeTimeout <= 0 {
		return fmt.Errorf("agent timeouts must be positive durations")
	}
	if c.Agent.IdleSessionTTL > 0 && c.Agent.IdleSessionTTL <= c.Agent.SessionTimeout {
		return fmt.Errorf("agent.idle_session_ttl (%s) must exceed agent.session_timeout (%s)", c.Agent.IdleSessionTTL, c.Agent.SessionTimeout)
	}
	if !strings.Contains(c.Agent.SearchURL, "%s") {
		return fmt.Errorf("agent.search_url must contain a %%s placeholder for the query")
	}
	if c.Reflection.LoopWindow <= 0 || c.Reflection.LoopThreshold <= 0 || c.Reflection.StuckWindow <= 0 {
		return fmt.Errorf("reflection windows and thresholds must be positive integers")
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	switch c.Browser.Engine {
	case EngineChromedp, EngineHTTP:
	default:
		return fmt.Errorf("unsupported browser.engine %q", c.Browser.Engine)
	}
	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive configuration invalid: %w", err)
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		return fmt.Errorf("events.nats.url is required when the NATS sink is enabled")
	}
	return nil
}

// Validate checks that both default tiers resolve to a configured model.
func (l *LLMRouterConfig) Validate() error {
	for tier, name := range map[string]string{"fast": l.DefaultFastModel, "powerful": l.DefaultPowerfulModel} {
		if name == "" {
			return fmt.Errorf("default %s model is not set", tier)
		}
		m, ok := l.Models[name]
		if !ok {
			return fmt.Errorf("default %s model %q has no entry under llm.models", tier, name)
		}
		switch m.Provider {
		case ProviderGemini, ProviderOpenAI, ProviderOllama:
		default:
			return fmt.Errorf("model %q has unsupported provider %q", name, m.Provider)
		}
	}
	return nil
}

// Validate checks the archive driver settings.
func (a *ArchiveConfig) Validate() error {
	switch a.Driver {
	case ArchiveNone, "":
		return nil
	case ArchiveSQLite:
		if a.Path == "" {
			return fmt.Errorf("archive.path is required for the sqlite driver")
		}
	case ArchivePostgres:
		if a.DSN == "" {
			return fmt.Errorf("archive.dsn is required for the postgres driver (or set %s_ARCHIVE_DSN)", EnvPrefix)
		}
	default:
		return fmt.Errorf("unsupported archive.driver %q", a.Driver)
	}
	return nil
}
