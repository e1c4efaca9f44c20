// Package calculator evaluates arithmetic expressions extracted from
// research queries.
package calculator

import (
	"context"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/delverhq/delver/tools"
)

// Output is the calculator tool payload.
type Output struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
	Formatted  string  `json:"formatted"`
}

var (
	fillerWords = regexp.MustCompile(`(?i)\b(calculate|compute|what is|equals?)\b`)
	safeChars   = regexp.MustCompile(`(?i)^[0-9+\-*/().\s^%a-z_,]+$`)
)

// mathEnv exposes the math functions expressions may call. Everything
// else (abs, round, min, max and the operators) is built into expr.
var mathEnv = map[string]interface{}{
	"sqrt":  math.Sqrt,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"pow":   math.Pow,
	"ceil":  math.Ceil,
	"floor": math.Floor,
}

// Tool evaluates arithmetic safely through a compiled expression VM.
type Tool struct {
	logger *log.Logger
}

func NewTool() *Tool {
	return &Tool{logger: log.New(log.Writer(), "[CALC] ", log.LstdFlags)}
}

func (t *Tool) Name() string { return "calculator" }

func (t *Tool) Description() string {
	return "Evaluates arithmetic expressions with sqrt, trig, log, exp and pow"
}

func (t *Tool) Run(_ context.Context, args tools.Args) (interface{}, error) {
	raw := args.Expression
	if raw == "" {
		raw = args.Query
	}
	cleaned := Normalize(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if !safeChars.MatchString(cleaned) {
		return nil, fmt.Errorf("expression contains invalid characters: %q", cleaned)
	}

	program, err := expr.Compile(cleaned, expr.Env(mathEnv))
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", cleaned, err)
	}
	value, err := expr.Run(program, mathEnv)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", cleaned, err)
	}

	result, err := toFloat(value)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil, fmt.Errorf("result of %q is not a valid number", cleaned)
	}

	formatted := strconv.FormatFloat(result, 'f', -1, 64)
	t.logger.Printf("%s = %s", cleaned, formatted)
	return Output{
		Expression: cleaned,
		Result:     result,
		Formatted:  fmt.Sprintf("%s = %s", cleaned, formatted),
	}, nil
}

// Normalize strips conversational filler ("what is ...", trailing "=")
// so a planner-phrased request evaluates as a bare expression.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = fillerWords.ReplaceAllString(s, "")
	s = strings.Trim(s, "=?")
	return strings.TrimSpace(s)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expression produced %T, not a number", v)
	}
}
