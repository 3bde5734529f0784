package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *Func {
	return NewFunc(NewManifest(name, "echo"), func(_ context.Context, inputs map[string]any) (any, error) {
		return inputs, nil
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg, err := NewRegistry(echoTool("b"), echoTool("a"))
	require.NoError(t, err)

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}

func TestRegistry_RejectsDuplicatesAndInvalidManifests(t *testing.T) {
	reg, err := NewRegistry(echoTool("a"))
	require.NoError(t, err)

	assert.ErrorContains(t, reg.Register(echoTool("a")), "already registered")
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(echoTool(" ")))

	bad := NewManifest("dup", "")
	bad.Inputs = []InputSpec{{Name: "x"}, {Name: "x"}}
	assert.ErrorContains(t, reg.Register(NewFunc(bad, nil)), "duplicate manifest input x")
}

func TestFunc_ManifestIsCopied(t *testing.T) {
	m := NewManifest("copy", "")
	m.Tags = []string{"one"}
	f := NewFunc(m, nil)

	got := f.Manifest()
	got.Tags[0] = "mutated"
	assert.Equal(t, []string{"one"}, f.Manifest().Tags)

	_, err := f.Invoke(context.Background(), nil)
	assert.Error(t, err)
}
