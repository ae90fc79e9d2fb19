package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// fragments collects the list sections of included files. Lists are
// appended across files so agents and tools can live in separate fragments;
// every other section is overlaid, with the main file applied last.
type fragments struct {
	agents  []AgentConfig
	tools   []ToolConfig
	servers []MCPServer
}

// take moves the list sections out of cfg.
func (f *fragments) take(cfg *Config) {
	f.agents = append(f.agents, cfg.Agents...)
	f.tools = append(f.tools, cfg.Tools...)
	f.servers = append(f.servers, cfg.MCPServers...)
	cfg.Agents, cfg.Tools, cfg.MCPServers = nil, nil, nil
}

// appendTo adds the collected lists after the ones already in cfg.
func (f *fragments) appendTo(cfg *Config) {
	cfg.Agents = append(cfg.Agents, f.agents...)
	cfg.Tools = append(cfg.Tools, f.tools...)
	cfg.MCPServers = append(cfg.MCPServers, f.servers...)
}

type includer struct {
	seen  map[string]bool
	found fragments
}

func newIncluder(root string) *includer {
	return &includer{seen: map[string]bool{root: true}}
}

// expand merges every file matched by patterns into cfg. Relative patterns
// resolve against dir and may not leave it.
func (in *includer) expand(cfg *Config, dir string, patterns []string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	for _, pattern := range patterns {
		files, err := matchIncludes(dir, pattern)
		if err != nil {
			return err
		}
		for _, file := range files {
			if in.seen[file] {
				return fmt.Errorf("config includes: circular include of %s", file)
			}
			in.seen[file] = true
			if err := in.merge(cfg, file, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *includer) merge(cfg *Config, file string, depth int) error {
	if err := validatePermissions(file); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("config includes: read %s: %w", file, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %s: %w", file, err)
	}
	in.found.take(cfg)

	nested := cfg.Includes
	cfg.Includes = nil
	if len(nested) == 0 {
		return nil
	}
	return in.expand(cfg, filepath.Dir(file), nested, depth)
}

// matchIncludes returns the absolute files named by pattern. A literal path
// is returned even when missing so the read reports it; a glob that matches
// nothing yields no files.
func matchIncludes(dir, pattern string) ([]string, error) {
	full := pattern
	if !filepath.IsAbs(full) {
		full = filepath.Join(dir, full)
		rel, err := filepath.Rel(dir, full)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("config includes: %s escapes %s", pattern, dir)
		}
	}
	full = filepath.Clean(full)

	if !strings.ContainsAny(full, "*?[") {
		return []string{full}, nil
	}
	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %s: %w", pattern, err)
	}
	for i, m := range matches {
		if abs, err := filepath.Abs(m); err == nil {
			matches[i] = abs
		}
	}
	return matches, nil
}
