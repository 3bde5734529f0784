package replay

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultVolatileKeys are removed before comparing outputs.
var DefaultVolatileKeys = []string{"created_at"}

// Comparator compares original and replayed outputs.
type Comparator struct {
	// Ignore lists object keys removed at every depth before comparing.
	// Nil uses DefaultVolatileKeys; an empty non-nil slice ignores nothing.
	Ignore []string
}

// CompareOutputs reports whether two outputs are equal once volatile fields
// are removed. Neither argument is modified.
func CompareOutputs(original, replay any) bool {
	return Comparator{}.Equal(original, replay)
}

// Diff renders a unified diff of the normalized outputs. It returns "" when
// the outputs compare equal.
func Diff(original, replay any) (string, error) {
	return Comparator{}.Diff(original, replay)
}

// Equal compares after normalization.
func (c Comparator) Equal(original, replay any) bool {
	a, errA := c.Normalize(original)
	b, errB := c.Normalize(replay)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(original, replay)
	}
	return reflect.DeepEqual(a, b)
}

// Normalize returns a copy of v in its JSON data model (maps, slices,
// float64, string, bool, nil) with ignored keys removed.
func (c Comparator) Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("replay: normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("replay: normalize: %w", err)
	}
	return stripKeys(out, c.ignored()), nil
}

// Diff renders a unified diff of the normalized pretty JSON.
func (c Comparator) Diff(original, replay any) (string, error) {
	if c.Equal(original, replay) {
		return "", nil
	}
	a, err := c.pretty(original)
	if err != nil {
		return "", err
	}
	b, err := c.pretty(replay)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "original",
		ToFile:   "replay",
		Context:  3,
	})
}

func (c Comparator) pretty(v any) (string, error) {
	norm, err := c.Normalize(v)
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(norm, "", "  ")
	if err != nil {
		return "", fmt.Errorf("replay: render: %w", err)
	}
	return string(raw) + "\n", nil
}

func (c Comparator) ignored() []string {
	if c.Ignore == nil {
		return DefaultVolatileKeys
	}
	return c.Ignore
}

// stripKeys removes ignored keys from freshly decoded JSON in place. v must
// not alias caller data.
func stripKeys(v any, ignore []string) any {
	if len(ignore) == 0 {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if slices.Contains(ignore, k) {
				delete(t, k)
				continue
			}
			t[k] = stripKeys(child, ignore)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = stripKeys(child, ignore)
		}
		return t
	default:
		return v
	}
}
