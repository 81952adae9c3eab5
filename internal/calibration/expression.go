package calibration

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// EnergyVar is the variable an expression calibration reads the energy from.
const EnergyVar = "E"

// Expression is a calibration written as a single expr-lang expression over
// E, e.g. "0.0042 * E ** 0.87". It is compiled once and safe for concurrent use.
type Expression struct {
	source  string
	program *vm.Program
}

func NewExpression(source string) (*Expression, error) {
	program, err := expr.Compile(source,
		expr.Env(map[string]interface{}{EnergyVar: 0.0}),
		expr.AsFloat64(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile calibration expression: %w", err)
	}
	return &Expression{source: source, program: program}, nil
}

func (e *Expression) Factor(energy float64) (float64, error) {
	out, err := expr.Run(e.program, map[string]interface{}{EnergyVar: energy})
	if err != nil {
		return 0, fmt.Errorf("calibration expression at %g keV: %w", energy, err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("calibration expression returned %T, want float64", out)
	}
	return finite(v, energy)
}

func (e *Expression) String() string { return e.source }
