package toolexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

// Mux routes tool ids to the runner that serves them.
type Mux struct {
	routes map[string]domain.ToolRunner
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: make(map[string]domain.ToolRunner)}
}

// Handle routes toolID to runner, replacing any earlier route.
func (m *Mux) Handle(toolID string, runner domain.ToolRunner) {
	m.routes[toolID] = runner
}

// Tools returns the routed tool ids, sorted.
func (m *Mux) Tools() []string {
	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run dispatches to the tool's runner.
func (m *Mux) Run(ctx context.Context, toolID string, params json.RawMessage) (string, error) {
	r, ok := m.routes[toolID]
	if !ok {
		return "", permanent(domain.NewSubSystemError("tool", "Mux.Run", domain.ErrNotFound, toolID))
	}
	return r.Run(ctx, toolID, params)
}

// Build wires the local and MCP runners described by cfg. The returned close
// function releases MCP connections.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Mux, func(), error) {
	mux := NewMux()

	local := NewLocalRunner(cfg.Tools, cfg.ToolDefaults, logger)
	for _, id := range local.Tools() {
		mux.Handle(id, local)
	}

	if len(cfg.MCPServers) == 0 {
		return mux, func() {}, nil
	}
	remote, err := NewMCPRunner(ctx, cfg.MCPServers, cfg.Tools, logger)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range remote.Tools() {
		mux.Handle(id, remote)
	}
	return mux, remote.Close, nil
}
