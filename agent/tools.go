package agent

import (
	"context"
	"sort"
)

// Tool is a client-side function the agent may call mid-conversation. The
// returned string is sent back as the tool result; a non-nil error marks the
// result as an error.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) (string, error)
}

// Registry maps tool names to tools. It is never modified after
// NewRegistry, so sessions may share it without locking.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry indexes tools by name; a later tool with the same name wins.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t != nil {
			r.tools[t.Name()] = t
		}
	}
	return r
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
