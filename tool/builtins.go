package tool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// expenseNamespace seeds deterministic expense ids.
var expenseNamespace = uuid.MustParse("6f1c2a7e-4b8d-4e0a-9c3f-1d2e3f4a5b6c")

// BuiltinTools returns the tools that ship with the binary.
func BuiltinTools() []Tool {
	return []Tool{
		NewCreateExpense(time.Now),
		NewCalculator(),
	}
}

// NewBuiltinRegistry returns a registry holding BuiltinTools.
func NewBuiltinRegistry() *Registry {
	r, err := NewRegistry(BuiltinTools()...)
	if err != nil {
		panic(fmt.Sprintf("tool: builtin registry: %v", err))
	}
	return r
}

// NewCreateExpense returns the create_expense tool. Expense ids are derived
// from the inputs, so replays produce the same id; created_at is volatile.
func NewCreateExpense(now func() time.Time) *Func {
	if now == nil {
		now = time.Now
	}
	manifest := NewManifest("create_expense", "Creates an expense in the system")
	manifest.Inputs = []InputSpec{
		{Name: "amount", Type: TypeNumber, Description: "The expense amount", Required: true},
		{Name: "category", Type: TypeString, Description: "Category of the expense (e.g. travel, food, office)", Required: true},
		{Name: "description", Type: TypeString, Description: "Detailed description of the expense", Required: true},
		{Name: "date", Type: TypeString, Description: "Date of the expense in YYYY-MM-DD format", Required: true},
	}
	manifest.Output = OutputSpec{Type: TypeObject, Description: "The created expense object"}
	manifest.Auth = AuthSpec{Type: "oauth", Required: true, Scopes: []string{"expenses:write"}}
	manifest.Tags = []string{"finance"}

	return NewFunc(manifest, func(_ context.Context, inputs map[string]any) (any, error) {
		amount, err := numberInput(inputs, "amount")
		if err != nil {
			return nil, err
		}
		category := stringInput(inputs, "category")
		description := stringInput(inputs, "description")
		date := stringInput(inputs, "date")
		if _, err := time.Parse(dateLayout, date); err != nil {
			return nil, errors.New("invalid date format. Please use YYYY-MM-DD")
		}

		key := strings.Join([]string{strconv.FormatFloat(amount, 'f', -1, 64), category, description, date}, "\x00")
		id := uuid.NewSHA1(expenseNamespace, []byte(key)).String()

		return map[string]any{
			"id":          "exp_" + id[:8],
			"amount":      amount,
			"category":    category,
			"description": description,
			"date":        date,
			"created_at":  now().UTC().Format(time.RFC3339Nano),
			"status":      "pending",
		}, nil
	})
}

// NewCalculator returns the calculator tool.
func NewCalculator() *Func {
	manifest := NewManifest("calculator", "Performs basic arithmetic on two numbers")
	manifest.Inputs = []InputSpec{
		{Name: "operation", Type: TypeString, Description: "One of add, subtract, multiply, divide", Required: true},
		{Name: "a", Type: TypeNumber, Description: "Left operand", Required: true},
		{Name: "b", Type: TypeNumber, Description: "Right operand", Required: true},
	}
	manifest.Output = OutputSpec{Type: TypeObject, Description: "The operation and its result"}
	manifest.Tags = []string{"math"}

	return NewFunc(manifest, func(_ context.Context, inputs map[string]any) (any, error) {
		a, err := numberInput(inputs, "a")
		if err != nil {
			return nil, err
		}
		b, err := numberInput(inputs, "b")
		if err != nil {
			return nil, err
		}

		op := strings.ToLower(stringInput(inputs, "operation"))
		var result float64
		switch op {
		case "add":
			result = a + b
		case "subtract":
			result = a - b
		case "multiply":
			result = a * b
		case "divide":
			if b == 0 {
				return nil, errors.New("division by zero")
			}
			result = a / b
		default:
			return nil, fmt.Errorf("unsupported operation %q", op)
		}
		return map[string]any{
			"operation": op,
			"a":         a,
			"b":         b,
			"result":    result,
		}, nil
	})
}

func stringInput(inputs map[string]any, name string) string {
	switch v := inputs[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func numberInput(inputs map[string]any, name string) (float64, error) {
	raw, ok := inputs[name]
	if !ok || raw == nil {
		return 0, fmt.Errorf("missing required input %q", name)
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("input %q must be a number", name)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("input %q must be a number", name)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("input %q must be finite", name)
	}
	return f, nil
}
