package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

// mcpClient is the subset of the MCP client the runner uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpRoute struct {
	server string
	remote string
}

// MCPRunner executes tools served by MCP servers.
type MCPRunner struct {
	clients map[string]mcpClient
	routes  map[string]mcpRoute
	logger  *slog.Logger
}

// NewMCPRunner connects to every configured server and routes each tool with
// the mcp backend to its server. A server that fails to connect aborts startup.
func NewMCPRunner(ctx context.Context, servers []config.MCPServer, tools []config.ToolConfig, logger *slog.Logger) (*MCPRunner, error) {
	clients := make(map[string]mcpClient, len(servers))
	for _, srv := range servers {
		c, err := connect(ctx, srv)
		if err != nil {
			for _, open := range clients {
				_ = open.Close()
			}
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		clients[srv.Name] = c
		if logger != nil {
			logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
		}
	}
	r := newMCPRunnerWithClients(clients, tools, logger)
	r.checkRoutes(ctx)
	return r, nil
}

func newMCPRunnerWithClients(clients map[string]mcpClient, tools []config.ToolConfig, logger *slog.Logger) *MCPRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &MCPRunner{clients: clients, routes: make(map[string]mcpRoute), logger: logger}
	for _, t := range tools {
		if t.Backend != "mcp" {
			continue
		}
		remote := t.RemoteName
		if remote == "" {
			remote = t.ID
		}
		r.routes[t.ID] = mcpRoute{server: t.Server, remote: remote}
	}
	return r
}

func connect(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "swarm", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, domain.WrapOp("initialize", err)
	}
	return c, nil
}

// checkRoutes warns about routed tools their server does not advertise.
func (r *MCPRunner) checkRoutes(ctx context.Context) {
	advertised := make(map[string]map[string]bool, len(r.clients))
	for name, c := range r.clients {
		res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			r.logger.Warn("mcp tool discovery failed", "server", name, "error", err)
			continue
		}
		set := make(map[string]bool, len(res.Tools))
		for _, t := range res.Tools {
			set[t.Name] = true
		}
		advertised[name] = set
		r.logger.Info("mcp tools discovered", "server", name, "count", len(res.Tools))
	}
	for id, route := range r.routes {
		if set, ok := advertised[route.server]; ok && !set[route.remote] {
			r.logger.Warn("mcp tool not advertised by server", "tool_id", id, "server", route.server, "remote", route.remote)
		}
	}
}

// Tools returns the routed tool ids.
func (r *MCPRunner) Tools() []string {
	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	return ids
}

// Run calls the tool on its MCP server and returns the text content.
func (r *MCPRunner) Run(ctx context.Context, toolID string, params json.RawMessage) (string, error) {
	route, ok := r.routes[toolID]
	if !ok {
		return "", permanent(domain.NewSubSystemError("tool", "MCPRunner.Run", domain.ErrNotFound, toolID))
	}
	c, ok := r.clients[route.server]
	if !ok {
		return "", permanent(fmt.Errorf("mcp server %q not connected", route.server))
	}

	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return "", permanent(fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = route.remote
	req.Params.Arguments = args

	r.logger.DebugContext(ctx, "mcp tool call", "tool_id", toolID, "server", route.server, "remote", route.remote)
	res, err := c.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Classify(fmt.Errorf("mcp %s/%s: %w", route.server, route.remote, err))
	}

	content := extractContent(res)
	if res.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return "", Classify(errors.New(content))
	}
	return content, nil
}

// Close shuts down every server connection.
func (r *MCPRunner) Close() {
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			r.logger.Warn("mcp server close error", "server", name, "error", err)
		}
	}
}

func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
