package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

const (
	// maxStderr bounds the stderr excerpt carried in errors.
	maxStderr = 512
	// DefaultOutputLimit caps captured stdout when a tool sets no MaxOutput.
	DefaultOutputLimit = 1 << 20
	// outputSlack is kept past the limit so the gateway still sees an
	// oversized payload and marks it truncated.
	outputSlack = 1024
	// waitDelay is how long Run waits for output pipes after the process is
	// killed, for children that inherited them.
	waitDelay = 500 * time.Millisecond
)

// LocalCommand is the process a local tool runs. Args may reference
// parameters as ${name}; an argument that is exactly ${name} and whose value is
// an array expands to one argument per element.
type LocalCommand struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	// MaxOutput caps captured stdout; 0 means DefaultOutputLimit.
	MaxOutput int
}

// LocalRunner executes tools as local processes.
type LocalRunner struct {
	commands map[string]LocalCommand
	logger   *slog.Logger
}

// NewLocalRunner registers every tool configured with the local backend.
func NewLocalRunner(tools []config.ToolConfig, defaults config.ToolDefaults, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &LocalRunner{commands: make(map[string]LocalCommand), logger: logger}
	for _, t := range tools {
		if t.Backend != "local" {
			continue
		}
		limit := t.MaxOutput
		if limit <= 0 {
			limit = defaults.MaxOutput
		}
		r.Register(t.ID, LocalCommand{Command: t.Command, Args: t.Args, WorkDir: defaults.WorkDir, MaxOutput: limit})
	}
	return r
}

// Register adds or replaces a tool.
func (r *LocalRunner) Register(toolID string, cmd LocalCommand) {
	r.commands[toolID] = cmd
}

// Tools returns the registered tool ids.
func (r *LocalRunner) Tools() []string {
	ids := make([]string, 0, len(r.commands))
	for id := range r.commands {
		ids = append(ids, id)
	}
	return ids
}

// Run starts the tool's process and returns its stdout. The process is killed
// when ctx ends.
func (r *LocalRunner) Run(ctx context.Context, toolID string, params json.RawMessage) (string, error) {
	c, ok := r.commands[toolID]
	if !ok {
		return "", permanent(domain.NewSubSystemError("tool", "LocalRunner.Run", domain.ErrNotFound, toolID))
	}

	args, err := expandArgs(c.Args, params)
	if err != nil {
		return "", permanent(err)
	}

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = c.WorkDir
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	limit := c.MaxOutput
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	stdout := &limitWriter{limit: limit + outputSlack}
	stderr := &limitWriter{limit: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.DebugContext(ctx, "local tool exec", "tool_id", toolID, "command", c.Command, "args", args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", Classify(fmt.Errorf("%s: %w: %s", c.Command, err, msg))
		}
		return "", Classify(fmt.Errorf("%s: %w", c.Command, err))
	}
	if stdout.Truncated() {
		r.logger.WarnContext(ctx, "local tool output capped", "tool_id", toolID, "written", stdout.Written(), "kept", stdout.Len())
	}
	return stdout.String(), nil
}

// expandArgs substitutes ${name} references with values from the params object.
func expandArgs(tmpl []string, params json.RawMessage) ([]string, error) {
	values := map[string]any{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &values); err != nil {
			return nil, fmt.Errorf("%w: params must be a JSON object: %v", domain.ErrInvalidInput, err)
		}
	}

	args := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		if name, ok := wholeRef(a); ok {
			if list, isList := values[name].([]any); isList {
				for _, v := range list {
					args = append(args, fmt.Sprint(v))
				}
				continue
			}
		}

		var missing []string
		expanded := os.Expand(a, func(name string) string {
			v, ok := values[name]
			if !ok || v == nil {
				missing = append(missing, name)
				return ""
			}
			return formatValue(v)
		})
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: missing parameter %q", domain.ErrInvalidInput, missing[0])
		}
		args = append(args, expanded)
	}
	return args, nil
}

func wholeRef(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "$") == 1 {
		return s[2 : len(s)-1], true
	}
	return "", false
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	case []any:
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}
