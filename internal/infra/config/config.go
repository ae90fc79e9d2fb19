package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Engine       EngineConfig   `yaml:"engine"`
	Agents       []AgentConfig  `yaml:"agents"`
	Tools        []ToolConfig   `yaml:"tools"`
	ToolDefaults ToolDefaults   `yaml:"tool_defaults"`
	Approval     ApprovalConfig `yaml:"approval"`
	Memory       MemoryConfig   `yaml:"memory"`
	Recorder     RecorderConfig `yaml:"recorder"`
	Observer     ObserverConfig `yaml:"observer"`
	MCPServers   []MCPServer    `yaml:"mcp_servers,omitempty"`
	Logger       LoggerConfig   `yaml:"logger"`
	Tracer       TracerConfig   `yaml:"tracer"`
	Includes     []string       `yaml:"includes,omitempty"`
}

// EngineConfig holds router settings shared by every session.
type EngineConfig struct {
	EntryAgent         string        `yaml:"entry_agent"`
	TerminalTarget     string        `yaml:"terminal_target"`
	MaxIterations      int           `yaml:"max_iterations"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	MaxInvalidHandoffs int           `yaml:"max_invalid_handoffs"`
	ResetMemoryOnEnd   bool          `yaml:"reset_memory_on_end"`
	// ReapAfter is how long a finished session stays listed in memory.
	ReapAfter    time.Duration `yaml:"reap_after"`
	ReapSchedule string        `yaml:"reap_schedule"`
}

// AgentConfig declares one agent of the swarm.
type AgentConfig struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description,omitempty"`
	Capabilities []string     `yaml:"capabilities,omitempty"`
	Handoffs     []string     `yaml:"handoffs,omitempty"`
	Script       []ScriptStep `yaml:"script,omitempty"`
}

// ScriptStep is one scripted decision: exactly one of Tool, Handoff or Finish is set.
type ScriptStep struct {
	Say     string         `yaml:"say,omitempty"`
	Tool    string         `yaml:"tool,omitempty"`
	Params  map[string]any `yaml:"params,omitempty"`
	Handoff string         `yaml:"handoff,omitempty"`
	Finish  bool           `yaml:"finish,omitempty"`
}

// ToolConfig declares one tool and its reliability policy. Zero values fall
// back to the built-in table for the tool name, then to ToolDefaults.
type ToolConfig struct {
	ID               string        `yaml:"id"`
	Category         string        `yaml:"category,omitempty"`
	Description      string        `yaml:"description,omitempty"`
	RiskTier         string        `yaml:"risk_tier,omitempty"`
	Backend          string        `yaml:"backend"` // "local" or "mcp"
	Command          string        `yaml:"command,omitempty"`
	Args             []string      `yaml:"args,omitempty"`
	Server           string        `yaml:"server,omitempty"` // MCP server name
	RemoteName       string        `yaml:"remote_name,omitempty"`
	Schema           string        `yaml:"schema,omitempty"` // JSON Schema for params
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	MaxAttempts      int           `yaml:"max_attempts,omitempty"`
	BaseDelay        time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay         time.Duration `yaml:"max_delay,omitempty"`
	BreakerThreshold uint32        `yaml:"breaker_threshold,omitempty"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown,omitempty"`
	RateLimit        float64       `yaml:"rate_limit,omitempty"`
	RateBurst        int           `yaml:"rate_burst,omitempty"`
	MaxOutput        int           `yaml:"max_output,omitempty"`
}

// ToolDefaults apply to every tool without an explicit or built-in value.
type ToolDefaults struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	MaxOutput        int           `yaml:"max_output"`
	WorkDir          string        `yaml:"work_dir"`
}

// ApprovalConfig holds human-in-the-loop gate settings.
type ApprovalConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	AutoApprove []string      `yaml:"auto_approve,omitempty"` // risk tiers
	HistorySize int           `yaml:"history_size"`
	Notifier    string        `yaml:"notifier"` // "log", "slack", "log,slack"
	Slack       SlackConfig   `yaml:"slack"`
}

// SlackConfig configures the Slack approval notifier.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
	APIURL    string `yaml:"api_url,omitempty"`
}

// MemoryConfig holds both memory regions.
type MemoryConfig struct {
	ShortTerm ShortTermConfig `yaml:"short_term"`
	LongTerm  LongTermConfig  `yaml:"long_term"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// ShortTermConfig selects the session-scoped memory backend.
type ShortTermConfig struct {
	Backend   string        `yaml:"backend"` // "inmem" or "redis"
	RedisURL  string        `yaml:"redis_url,omitempty"`
	KeyPrefix string        `yaml:"key_prefix,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// LongTermConfig selects the namespaced similarity store.
type LongTermConfig struct {
	Backend string `yaml:"backend"` // "inmem" or "sqlite"
	Path    string `yaml:"path,omitempty"`
}

// EmbeddingConfig holds text embedding provider settings.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "hash", "ollama" or "openai"
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Dims      int    `yaml:"dims"`
	CacheSize int    `yaml:"cache_size"`
}

// RecorderConfig selects the session recorder backend and retention.
type RecorderConfig struct {
	Backend       string        `yaml:"backend"` // "jsonl" or "sqlite"
	Dir           string        `yaml:"dir"`
	Path          string        `yaml:"path,omitempty"`
	Retention     time.Duration `yaml:"retention"` // 0 = keep forever
	PruneSchedule string        `yaml:"prune_schedule"`
}

// ObserverConfig configures the HTTP/WebSocket observer surface.
type ObserverConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token,omitempty"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "noop", "stdout" or "file"
	Path        string  `yaml:"path,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"` // 0 or 1 samples everything
}

// defaultDataDir returns the persistent data directory under $HOME/.swarm.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".swarm")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Engine: EngineConfig{
			EntryAgent:         "planner",
			TerminalTarget:     "Done",
			MaxIterations:      30,
			SessionTimeout:     30 * time.Minute,
			MaxInvalidHandoffs: 3,
			ReapAfter:          time.Hour,
			ReapSchedule:       "10m",
		},
		ToolDefaults: ToolDefaults{
			Timeout:          60 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        time.Second,
			MaxDelay:         30 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
			MaxOutput:        100000,
			WorkDir:          ".",
		},
		Approval: ApprovalConfig{
			Timeout:     300 * time.Second,
			AutoApprove: []string{"low"},
			HistorySize: 1000,
			Notifier:    "log",
		},
		Memory: MemoryConfig{
			ShortTerm: ShortTermConfig{
				Backend:   "inmem",
				KeyPrefix: "swarm:stm",
				TTL:       24 * time.Hour,
			},
			LongTerm: LongTermConfig{
				Backend: "inmem",
				Path:    filepath.Join(dataDir, "memory.db"),
			},
			Embedding: EmbeddingConfig{
				Provider:  "hash",
				Dims:      256,
				CacheSize: 512,
			},
		},
		Recorder: RecorderConfig{
			Backend:       "jsonl",
			Dir:           filepath.Join(dataDir, "logs"),
			Path:          filepath.Join(dataDir, "sessions.db"),
			PruneSchedule: "@daily",
		},
		Observer: ObserverConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8091",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, merges includes, applies env var overrides,
// decrypts secrets and validates the result. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		in := newIncluder(absPath)
		patterns := cfg.Includes
		cfg.Agents, cfg.Tools, cfg.MCPServers = nil, nil, nil
		if err := in.expand(cfg, filepath.Dir(absPath), patterns, 0); err != nil {
			return nil, err
		}

		// Reapply the main file so its values win over included ones.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
		in.found.appendTo(cfg)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SWARM_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps SWARM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARM_ENGINE_ENTRY_AGENT"); v != "" {
		cfg.Engine.EntryAgent = v
	}
	if v := os.Getenv("SWARM_ENGINE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxIterations = n
		}
	}
	if v := os.Getenv("SWARM_ENGINE_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.SessionTimeout = d
		}
	}
	if v := os.Getenv("SWARM_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Approval.Timeout = d
		}
	}
	if v := os.Getenv("SWARM_APPROVAL_NOTIFIER"); v != "" {
		cfg.Approval.Notifier = v
	}
	if v := os.Getenv("SWARM_SLACK_BOT_TOKEN"); v != "" {
		cfg.Approval.Slack.BotToken = v
	}
	if v := os.Getenv("SWARM_SLACK_CHANNEL_ID"); v != "" {
		cfg.Approval.Slack.ChannelID = v
	}
	if v := os.Getenv("SWARM_MEMORY_SHORT_TERM_BACKEND"); v != "" {
		cfg.Memory.ShortTerm.Backend = v
	}
	if v := os.Getenv("SWARM_MEMORY_REDIS_URL"); v != "" {
		cfg.Memory.ShortTerm.RedisURL = v
	}
	if v := os.Getenv("SWARM_MEMORY_LONG_TERM_BACKEND"); v != "" {
		cfg.Memory.LongTerm.Backend = v
	}
	if v := os.Getenv("SWARM_MEMORY_EMBEDDING_PROVIDER"); v != "" {
		cfg.Memory.Embedding.Provider = v
	}
	if v := os.Getenv("SWARM_EMBEDDING_API_KEY"); v != "" {
		cfg.Memory.Embedding.APIKey = v
	}
	if v := os.Getenv("SWARM_RECORDER_BACKEND"); v != "" {
		cfg.Recorder.Backend = v
	}
	if v := os.Getenv("SWARM_RECORDER_DIR"); v != "" {
		cfg.Recorder.Dir = v
	}
	if v := os.Getenv("SWARM_OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SWARM_OBSERVER_ADDR"); v != "" {
		cfg.Observer.Addr = v
	}
	if v := os.Getenv("SWARM_OBSERVER_TOKEN"); v != "" {
		cfg.Observer.Token = v
	}
	if v := os.Getenv("SWARM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SWARM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SWARM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SWARM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SWARM_APPROVAL_AUTO_APPROVE"); v != "" {
		cfg.Approval.AutoApprove = splitAndTrim(v, ",")
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
