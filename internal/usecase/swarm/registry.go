// Package swarm routes one conversation between specialized agents: it owns
// the session state, enforces the handoff graph and drives tool calls through
// the gateway.
package swarm

import (
	"fmt"
	"sort"

	"github.com/aymankanso/agent/internal/domain"
)

// DefaultTerminalTarget is the pseudo-agent a handoff to which ends the session.
const DefaultTerminalTarget = "Done"

// Binding pairs an agent's static description with its decision capability.
type Binding struct {
	Descriptor domain.AgentDescriptor
	Agent      domain.Agent
}

// Registry is the fixed set of agents of a swarm and its transition table.
// It is immutable after construction and safe to share between sessions.
type Registry struct {
	entry       string
	terminal    string
	agents      map[string]Binding
	names       []string
	transitions map[string]map[string]struct{}
}

// NewRegistry validates the handoff graph: every target must be an agent or
// the terminal target, the entry agent must exist, every agent must be
// reachable from the entry agent, and no agent may have a self-handoff as its
// only transition.
func NewRegistry(entry, terminal string, bindings []Binding) (*Registry, error) {
	if terminal == "" {
		terminal = DefaultTerminalTarget
	}
	r := &Registry{
		entry:       entry,
		terminal:    terminal,
		agents:      make(map[string]Binding, len(bindings)),
		transitions: make(map[string]map[string]struct{}, len(bindings)),
	}

	for _, b := range bindings {
		name := b.Descriptor.Name
		switch {
		case name == "":
			return nil, invalid("agent with empty name")
		case name == terminal:
			return nil, invalid(fmt.Sprintf("agent %q clashes with the terminal target", name))
		case b.Agent == nil:
			return nil, invalid(fmt.Sprintf("agent %q has no implementation", name))
		}
		if _, dup := r.agents[name]; dup {
			return nil, domain.NewSubSystemError("agent", "swarm.NewRegistry", domain.ErrDuplicate, name)
		}
		r.agents[name] = b
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	if _, ok := r.agents[entry]; !ok {
		return nil, invalid(fmt.Sprintf("entry agent %q is not registered", entry))
	}

	for _, name := range r.names {
		d := r.agents[name].Descriptor
		targets := make(map[string]struct{}, len(d.Handoffs))
		for _, to := range d.Handoffs {
			if _, ok := r.agents[to]; !ok && to != terminal {
				return nil, invalid(fmt.Sprintf("agent %q hands off to unknown agent %q", name, to))
			}
			targets[to] = struct{}{}
		}
		if _, self := targets[name]; self && len(targets) == 1 {
			return nil, invalid(fmt.Sprintf("agent %q can only hand off to itself", name))
		}
		r.transitions[name] = targets
	}

	if unreachable := r.unreachable(); len(unreachable) > 0 {
		return nil, invalid(fmt.Sprintf("agents unreachable from %q: %v", entry, unreachable))
	}
	return r, nil
}

func invalid(detail string) error {
	return domain.NewDomainError("swarm.NewRegistry", domain.ErrInvalidInput, detail)
}

// unreachable runs a BFS from the entry agent and returns the agents it
// never visits, sorted.
func (r *Registry) unreachable() []string {
	seen := map[string]bool{r.entry: true}
	queue := []string{r.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for to := range r.transitions[cur] {
			if to == r.terminal || seen[to] {
				continue
			}
			seen[to] = true
			queue = append(queue, to)
		}
	}
	var out []string
	for _, name := range r.names {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// Entry returns the agent that receives the objective.
func (r *Registry) Entry() string { return r.entry }

// Terminal returns the handoff target that ends a session.
func (r *Registry) Terminal() string { return r.terminal }

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string { return append([]string(nil), r.names...) }

// Lookup returns the binding for name.
func (r *Registry) Lookup(name string) (Binding, bool) {
	b, ok := r.agents[name]
	return b, ok
}

// Allowed reports whether from may hand off to to.
func (r *Registry) Allowed(from, to string) bool {
	_, ok := r.transitions[from][to]
	return ok
}

// Descriptors returns every agent descriptor, sorted by name.
func (r *Registry) Descriptors() []domain.AgentDescriptor {
	out := make([]domain.AgentDescriptor, len(r.names))
	for i, name := range r.names {
		out[i] = r.agents[name].Descriptor
	}
	return out
}

// Release lets agents that keep per-session state drop it once a session
// is over.
func (r *Registry) Release(sessionID string) {
	for _, name := range r.names {
		if f, ok := r.agents[name].Agent.(interface{ Forget(string) }); ok {
			f.Forget(sessionID)
		}
	}
}
