package tool

import (
	"context"
	"errors"
)

// Tool is a named, invocable unit of work exposed to agents.
type Tool interface {
	Name() string
	Manifest() Manifest
	Invoke(ctx context.Context, inputs map[string]any) (any, error)
}

// InvokeFunc is the signature of a tool implementation.
type InvokeFunc func(ctx context.Context, inputs map[string]any) (any, error)

// Func adapts a plain function into a Tool.
type Func struct {
	manifest Manifest
	fn       InvokeFunc
}

// NewFunc wraps fn with the given manifest. The manifest name is the tool name.
func NewFunc(manifest Manifest, fn InvokeFunc) *Func {
	return &Func{manifest: manifest, fn: fn}
}

func (f *Func) Name() string {
	return f.manifest.Name
}

func (f *Func) Manifest() Manifest {
	return f.manifest.clone()
}

func (f *Func) Invoke(ctx context.Context, inputs map[string]any) (any, error) {
	if f == nil || f.fn == nil {
		return nil, errors.New("tool: no function implementation provided")
	}
	return f.fn(ctx, inputs)
}

var _ Tool = (*Func)(nil)
