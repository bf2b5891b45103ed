package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// ErrNoNumericInputs is returned by the built-in formulas when no input field holds a number.
var ErrNoNumericInputs = errors.New("no numeric input fields")

// ErrNonFiniteResult is returned when a formula yields NaN or an infinity.
var ErrNonFiniteResult = errors.New("formula result is not a finite number")

// Formula derives a value from the user data fields named by a CALCULATION block.
type Formula interface {
	Evaluate(inputs []gjson.Result) (interface{}, error)
}

// FormulaFunc adapts a function to Formula.
type FormulaFunc func(inputs []gjson.Result) (interface{}, error)

// Evaluate implements Formula.
func (f FormulaFunc) Evaluate(inputs []gjson.Result) (interface{}, error) {
	return f(inputs)
}

func numbers(inputs []gjson.Result) ([]float64, error) {
	var out []float64
	for _, in := range inputs {
		if in.Type == gjson.Number {
			out = append(out, in.Num)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoNumericInputs
	}
	return out, nil
}

// DefaultFormulas returns the built-in formulas: sum, mean, min and max over numeric inputs.
func DefaultFormulas() map[string]Formula {
	return map[string]Formula{
		"sum": FormulaFunc(func(inputs []gjson.Result) (interface{}, error) {
			ns, err := numbers(inputs)
			if err != nil {
				return nil, err
			}
			total := 0.0
			for _, n := range ns {
				total += n
			}
			return total, nil
		}),
		"mean": FormulaFunc(func(inputs []gjson.Result) (interface{}, error) {
			ns, err := numbers(inputs)
			if err != nil {
				return nil, err
			}
			// Running mean stays finite where a plain sum would overflow.
			mean := 0.0
			for i, n := range ns {
				mean += (n - mean) / float64(i+1)
			}
			return mean, nil
		}),
		"min": FormulaFunc(func(inputs []gjson.Result) (interface{}, error) {
			ns, err := numbers(inputs)
			if err != nil {
				return nil, err
			}
			m := math.Inf(1)
			for _, n := range ns {
				m = math.Min(m, n)
			}
			return m, nil
		}),
		"max": FormulaFunc(func(inputs []gjson.Result) (interface{}, error) {
			ns, err := numbers(inputs)
			if err != nil {
				return nil, err
			}
			m := math.Inf(-1)
			for _, n := range ns {
				m = math.Max(m, n)
			}
			return m, nil
		}),
	}
}

// CalculationHandler completes immediately. When the block names a registered formula and
// a save_to key, the formula result over input_fields is written to user data; otherwise
// the block is a passthrough.
type CalculationHandler struct {
	formulas map[string]Formula
}

// NewCalculationHandler creates a calculation handler over the given formulas.
func NewCalculationHandler(formulas map[string]Formula) *CalculationHandler {
	if formulas == nil {
		formulas = map[string]Formula{}
	}
	return &CalculationHandler{formulas: formulas}
}

// Type implements Handler.
func (h *CalculationHandler) Type() models.BlockType { return models.BlockTypeCalculation }

// Formulas lists the registered formula names.
func (h *CalculationHandler) Formulas() []string {
	names := make([]string, 0, len(h.formulas))
	for name := range h.formulas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle implements Handler.
func (h *CalculationHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("CalculationHandler.Handle: processing block", "blockID", block.ID)
	res := completed(block, data)

	cfg, _ := block.Config.(models.CalculationConfig)
	if cfg.Formula == "" || cfg.SaveTo == "" {
		return res
	}
	f, ok := h.formulas[cfg.Formula]
	if !ok {
		slog.Warn("CalculationHandler.Handle: unknown formula, passing through", "blockID", block.ID, "formula", cfg.Formula)
		res.Metadata = map[string]interface{}{"warning": fmt.Sprintf("unknown formula %q", cfg.Formula)}
		return res
	}

	inputs := make([]gjson.Result, 0, len(cfg.InputFields))
	for _, field := range cfg.InputFields {
		inputs = append(inputs, data.Get(field))
	}
	value, err := f.Evaluate(inputs)
	if err == nil {
		if n, ok := value.(float64); ok && (math.IsNaN(n) || math.IsInf(n, 0)) {
			err = ErrNonFiniteResult
		}
	}
	if err != nil {
		slog.Warn("CalculationHandler.Handle: formula failed, passing through", "blockID", block.ID, "formula", cfg.Formula, "error", err)
		res.Metadata = map[string]interface{}{"warning": fmt.Sprintf("formula %q: %v", cfg.Formula, err)}
		return res
	}
	updated, err := data.With(cfg.SaveTo, value)
	if err != nil {
		slog.Error("CalculationHandler.Handle: failed to save result", "blockID", block.ID, "saveTo", cfg.SaveTo, "error", err)
		res.Metadata = map[string]interface{}{"warning": err.Error()}
		return res
	}
	slog.Debug("CalculationHandler.Handle: saved result", "blockID", block.ID, "formula", cfg.Formula, "saveTo", cfg.SaveTo)
	res.UpdatedUserData = updated
	return res
}
