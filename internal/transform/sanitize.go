package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// SanitizeOptions bounds the accepted value range. Values at or below Min are
// replaced with MinReplacement; values at or above Max with MaxReplacement.
// A NaN threshold disables that side.
type SanitizeOptions struct {
	Min            float64 `json:"min" yaml:"min"`
	Max            float64 `json:"max" yaml:"max"`
	MinReplacement float64 `json:"min_replacement" yaml:"min_replacement"`
	MaxReplacement float64 `json:"max_replacement" yaml:"max_replacement"`
}

// DefaultSanitizeOptions disables both thresholds and replaces with NaN.
func DefaultSanitizeOptions() SanitizeOptions {
	return SanitizeOptions{
		Min: math.NaN(), Max: math.NaN(),
		MinReplacement: math.NaN(), MaxReplacement: math.NaN(),
	}
}

// Sanitize replaces out-of-range data values. No-data cells are untouched.
// A NaN replacement stores the grid's no-data sentinel.
func Sanitize(g domain.Grid, opts SanitizeOptions) domain.Grid {
	out := g.Clone()
	repl := func(v float64) float64 {
		if math.IsNaN(v) {
			return g.NoData
		}
		return v
	}
	for i, v := range out.Data {
		if g.IsNoData(v) {
			continue
		}
		switch {
		case !math.IsNaN(opts.Min) && v <= opts.Min:
			out.Data[i] = repl(opts.MinReplacement)
		case !math.IsNaN(opts.Max) && v >= opts.Max:
			out.Data[i] = repl(opts.MaxReplacement)
		}
	}
	return out
}

// Op is a constant arithmetic operation.
type Op string

const (
	Multiply Op = "multiply"
	Divide   Op = "divide"
	Add      Op = "add"
	Subtract Op = "subtract"
)

// ParseOp accepts the operation names and their symbols.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "multiply", "*", "mul":
		return Multiply, nil
	case "divide", "/", "div":
		return Divide, nil
	case "add", "+":
		return Add, nil
	case "subtract", "-", "sub":
		return Subtract, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// OpFunc returns the function applying op with operand to one value.
func OpFunc(op Op, operand float64) (func(float64) float64, error) {
	switch op {
	case Multiply:
		return func(v float64) float64 { return v * operand }, nil
	case Divide:
		if operand == 0 {
			return nil, fmt.Errorf("calculate: division by zero")
		}
		return func(v float64) float64 { return v / operand }, nil
	case Add:
		return func(v float64) float64 { return v + operand }, nil
	case Subtract:
		return func(v float64) float64 { return v - operand }, nil
	default:
		return nil, fmt.Errorf("calculate: unknown operation %q", op)
	}
}

// Calculate applies op with operand to every data cell.
func Calculate(g domain.Grid, op Op, operand float64) (domain.Grid, error) {
	f, err := OpFunc(op, operand)
	if err != nil {
		return domain.Grid{}, err
	}
	out := g.Clone()
	for i, v := range out.Data {
		if !g.IsNoData(v) {
			out.Data[i] = f(v)
		}
	}
	return out, nil
}
