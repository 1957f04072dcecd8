package tools

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalExpr(t *testing.T, expr string) string {
	t.Helper()
	out, err := NewCalculatorTool().Execute(context.Background(),
		map[string]any{"expression": expr})
	require.NoError(t, err, expr)
	return out
}

func TestCalculator_Arithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2 + 2", "4"},
		{"10 - 3 * 2", "4"},
		{"2 ** 10", "1024"},
		{"-2 ** 2", "-4"},
		{"2 ** -1", "0.5"},
		{"7 // 2", "3"},
		{"-7 // 2", "-4"},
		{"7 % 3", "1"},
		{"-7 % 3", "2"},
		{"1.5e3 + 500", "2000"},
		{"abs(-5)", "5"},
		{"round(3.14159, 2)", "3.14"},
		{"min(3, 1, 2)", "1"},
		{"max(3, 1, 2)", "3"},
		{"sum(1, 2, 3, 4)", "10"},
		{"sqrt(16)", "4"},
		{"pow(2, 8)", "256"},
		{"round(pi, 4)", "3.1416"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, evalExpr(t, tt.expr), tt.expr)
	}
}

func TestCalculator_FloatingPoint(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"(182.5 - 171.2) / 171.2 * 100", 6.6004672897},
		{"log10(1000)", 3},
		{"log(e)", 1},
		{"log(8, 2)", 3},
	}

	for _, tt := range tests {
		got, err := strconv.ParseFloat(evalExpr(t, tt.expr), 64)
		require.NoError(t, err, tt.expr)
		assert.InDelta(t, tt.want, got, 1e-9, tt.expr)
	}
}

func TestCalculator_RejectsUnsafeInput(t *testing.T) {
	calc := NewCalculatorTool()

	rejected := []string{
		"__import__('os').system('ls')",
		"open('/etc/passwd')",
		"1; drop table",
		"x = 5",
		"2 + [1]",
		"exec(1)",
		"''.join()",
	}

	for _, expr := range rejected {
		_, err := calc.Execute(context.Background(), map[string]any{"expression": expr})
		require.Error(t, err, expr)

		var inputErr *InputError
		assert.True(t, errors.As(err, &inputErr), "expected InputError for %q, got %v", expr, err)
	}
}

func TestCalculator_RuntimeErrors(t *testing.T) {
	calc := NewCalculatorTool()

	for _, expr := range []string{"1 / 0", "5 // 0", "3 % 0", "sqrt(-1)", "log(0)"} {
		_, err := calc.Execute(context.Background(), map[string]any{"expression": expr})
		require.Error(t, err, expr)

		// Runtime failures are evaluation errors, not input rejections.
		var inputErr *InputError
		assert.False(t, errors.As(err, &inputErr), expr)
	}
}

func TestCalculator_MissingAndOversizedInput(t *testing.T) {
	calc := NewCalculatorTool()

	_, err := calc.Execute(context.Background(), map[string]any{})
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))

	huge := make([]byte, maxExprLength+1)
	for i := range huge {
		huge[i] = '1'
	}
	_, err = calc.Execute(context.Background(), map[string]any{"expression": string(huge)})
	require.True(t, errors.As(err, &inputErr))
}

func TestCalculator_DeepNestingRejected(t *testing.T) {
	expr := ""
	for i := 0; i < maxParseDepth+10; i++ {
		expr += "("
	}
	expr += "1"
	for i := 0; i < maxParseDepth+10; i++ {
		expr += ")"
	}

	_, err := NewCalculatorTool().Execute(context.Background(),
		map[string]any{"expression": expr})
	require.Error(t, err)

	var inputErr *InputError
	assert.True(t, errors.As(err, &inputErr))
}
