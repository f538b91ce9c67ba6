package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry stores tools by name and runs them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry registers the given tools. Later duplicates replace earlier ones.
func NewRegistry(initial ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(initial))}
	for _, t := range initial {
		_ = r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Run == nil {
		return fmt.Errorf("%w: %q", ErrNilHandler, t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// HasTool reports whether name is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog lists every tool in name order.
func (r *Registry) Catalog() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		t, _ := r.Get(name)
		out = append(out, Info{
			Name:                 t.Name,
			Description:          t.Description,
			ArgsSchema:           t.ArgsSchema,
			RequiresConfirmation: t.RequiresConfirmation,
		})
	}
	return out
}

// Run validates args and executes the tool. A panicking handler is reported as a ToolError.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (out map[string]any, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if name == "" {
		return nil, ErrToolNameEmpty
	}
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err := t.CheckArgs(args); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = NewToolError(ErrTypePanic, "%s panicked: %v", name, rec)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return t.Run(ctx, args)
}
