package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Handoff-graph connectivity is checked when the agent registry is built.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateAgents(cfg, ve)
	validateTools(cfg, ve)
	validateApproval(cfg, ve)
	validateMemory(cfg, ve)
	validateRecorder(cfg, ve)
	validateObserver(cfg, ve)
	validateMCPServers(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.MaxIterations <= 0 {
		ve.Add("engine.max_iterations must be > 0")
	}
	if e.SessionTimeout < 0 {
		ve.Add("engine.session_timeout must be >= 0")
	}
	if e.MaxInvalidHandoffs < 0 {
		ve.Add("engine.max_invalid_handoffs must be >= 0")
	}
	if e.ReapAfter < 0 {
		ve.Add("engine.reap_after must be >= 0")
	}
	if strings.TrimSpace(e.TerminalTarget) == "" {
		ve.Add("engine.terminal_target must not be empty")
	}
	if len(cfg.Agents) > 0 && e.EntryAgent == "" {
		ve.Add("engine.entry_agent must be set when agents are configured")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name must not be empty", i)
			continue
		}
		if a.Name == cfg.Engine.TerminalTarget {
			ve.Add("agents[%d].name %q collides with engine.terminal_target", i, a.Name)
		}
		if seen[a.Name] {
			ve.Add("agents[%d].name %q is duplicated", i, a.Name)
		}
		seen[a.Name] = true
		for j, s := range a.Script {
			n := 0
			if s.Tool != "" {
				n++
			}
			if s.Handoff != "" {
				n++
			}
			if s.Finish {
				n++
			}
			if n != 1 {
				ve.Add("agents[%d].script[%d] must set exactly one of tool, handoff, finish", i, j)
			}
		}
	}
	if len(cfg.Agents) > 0 && cfg.Engine.EntryAgent != "" && !seen[cfg.Engine.EntryAgent] {
		ve.Add("engine.entry_agent %q is not a configured agent", cfg.Engine.EntryAgent)
	}
}

var validBackends = map[string]bool{"local": true, "mcp": true}

var validRiskTiers = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

func validateTools(cfg *Config, ve *ValidationError) {
	d := cfg.ToolDefaults
	if d.Timeout <= 0 {
		ve.Add("tool_defaults.timeout must be > 0")
	}
	if d.MaxAttempts <= 0 {
		ve.Add("tool_defaults.max_attempts must be > 0")
	}
	if d.BaseDelay < 0 || d.MaxDelay < 0 {
		ve.Add("tool_defaults delays must be >= 0")
	}
	if d.BreakerThreshold == 0 {
		ve.Add("tool_defaults.breaker_threshold must be > 0")
	}
	if d.MaxOutput <= 0 {
		ve.Add("tool_defaults.max_output must be > 0")
	}

	servers := make(map[string]bool, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		servers[s.Name] = true
	}

	seen := make(map[string]bool, len(cfg.Tools))
	for i, t := range cfg.Tools {
		if t.ID == "" {
			ve.Add("tools[%d].id must not be empty", i)
			continue
		}
		if seen[t.ID] {
			ve.Add("tools[%d].id %q is duplicated", i, t.ID)
		}
		seen[t.ID] = true
		if !validBackends[t.Backend] {
			ve.Add("tools[%d].backend %q is invalid (want local or mcp)", i, t.Backend)
		}
		if t.Backend == "local" && t.Command == "" {
			ve.Add("tools[%d].command is required for the local backend", i)
		}
		if t.Backend == "mcp" && !servers[t.Server] {
			ve.Add("tools[%d].server %q is not a configured mcp server", i, t.Server)
		}
		if t.RiskTier != "" && !validRiskTiers[strings.ToLower(t.RiskTier)] {
			ve.Add("tools[%d].risk_tier %q is invalid", i, t.RiskTier)
		}
		if t.Timeout < 0 || t.MaxAttempts < 0 || t.MaxOutput < 0 {
			ve.Add("tools[%d] numeric limits must be >= 0", i)
		}
		if t.MaxDelay > 0 && t.BaseDelay > t.MaxDelay {
			ve.Add("tools[%d].base_delay must not exceed max_delay", i)
		}
		if t.RateLimit < 0 {
			ve.Add("tools[%d].rate_limit must be >= 0", i)
		}
	}

	for i, a := range cfg.Agents {
		for j, s := range a.Script {
			if s.Tool != "" && !seen[s.Tool] {
				ve.Add("agents[%d].script[%d].tool %q is not a configured tool", i, j, s.Tool)
			}
		}
	}
}

func validateApproval(cfg *Config, ve *ValidationError) {
	a := cfg.Approval
	if a.Timeout <= 0 {
		ve.Add("approval.timeout must be > 0")
	}
	for _, tier := range a.AutoApprove {
		if !validRiskTiers[strings.ToLower(tier)] {
			ve.Add("approval.auto_approve tier %q is invalid", tier)
		}
	}
	for _, n := range splitAndTrim(a.Notifier, ",") {
		switch n {
		case "log":
		case "slack":
			if a.Slack.BotToken == "" || a.Slack.ChannelID == "" {
				ve.Add("approval.slack.bot_token and channel_id are required for the slack notifier")
			}
		default:
			ve.Add("approval.notifier %q is invalid (want log or slack)", n)
		}
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	m := cfg.Memory
	switch m.ShortTerm.Backend {
	case "inmem":
	case "redis":
		if m.ShortTerm.RedisURL == "" {
			ve.Add("memory.short_term.redis_url is required for the redis backend")
		}
	default:
		ve.Add("memory.short_term.backend %q is invalid (want inmem or redis)", m.ShortTerm.Backend)
	}
	switch m.LongTerm.Backend {
	case "inmem":
	case "sqlite":
		if m.LongTerm.Path == "" {
			ve.Add("memory.long_term.path is required for the sqlite backend")
		}
	default:
		ve.Add("memory.long_term.backend %q is invalid (want inmem or sqlite)", m.LongTerm.Backend)
	}
	switch m.Embedding.Provider {
	case "hash", "ollama", "openai":
	default:
		ve.Add("memory.embedding.provider %q is invalid (want hash, ollama or openai)", m.Embedding.Provider)
	}
	if m.Embedding.Dims <= 0 {
		ve.Add("memory.embedding.dims must be > 0")
	}
}

func validateRecorder(cfg *Config, ve *ValidationError) {
	r := cfg.Recorder
	switch r.Backend {
	case "jsonl":
		if r.Dir == "" {
			ve.Add("recorder.dir is required for the jsonl backend")
		}
	case "sqlite":
		if r.Path == "" {
			ve.Add("recorder.path is required for the sqlite backend")
		}
	default:
		ve.Add("recorder.backend %q is invalid (want jsonl or sqlite)", r.Backend)
	}
	if r.Retention < 0 {
		ve.Add("recorder.retention must be >= 0")
	}
}

func validateObserver(cfg *Config, ve *ValidationError) {
	if cfg.Observer.Enabled && cfg.Observer.Addr == "" {
		ve.Add("observer.addr is required when the observer is enabled")
	}
}

func validateMCPServers(cfg *Config, ve *ValidationError) {
	for i, s := range cfg.MCPServers {
		if s.Name == "" {
			ve.Add("mcp_servers[%d].name must not be empty", i)
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("mcp_servers[%d].command is required for stdio", i)
			}
		case "http":
			if s.URL == "" {
				ve.Add("mcp_servers[%d].url is required for http", i)
			}
		default:
			ve.Add("mcp_servers[%d].transport %q is invalid (want stdio or http)", i, s.Transport)
		}
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	if !t.Enabled {
		return
	}
	switch t.Exporter {
	case "", "noop", "stdout":
	case "file":
		if t.Path == "" {
			ve.Add("tracer.path is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want noop, stdout or file)", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}
