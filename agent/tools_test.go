package agent

import (
	"context"
	"testing"
)

func TestRegistry(t *testing.T) {
	noop := func(context.Context, map[string]any) (string, error) { return "", nil }
	r := NewRegistry(funcTool{name: "SeeImage", fn: noop}, nil, funcTool{name: "Clock", fn: noop})

	if _, ok := r.Lookup("SeeImage"); !ok {
		t.Error("SeeImage not registered")
	}
	if _, ok := r.Lookup("seeimage"); ok {
		t.Error("lookup must be case-sensitive")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "Clock" || names[1] != "SeeImage" {
		t.Errorf("names = %v", names)
	}

	var empty *Registry
	if _, ok := empty.Lookup("SeeImage"); ok {
		t.Error("nil registry has no tools")
	}
}
