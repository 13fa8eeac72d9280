package analyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// ErrNoModel is returned when no forecast expressions are configured.
var ErrNoModel = errors.New("no forecast model configured")

// FeatureNames is the fixed feature order [pH, EC, Water_Temp, DO].
var FeatureNames = [4]string{"pH", "EC", "Water_Temp", "DO"}

// Model forecasts the feature vector one hour ahead.
type Model interface {
	Predict(features [4]float64) ([4]float64, error)
}

// ExpressionModel forecasts each output with an arithmetic expression over the
// current features. An output without an expression is forecast unchanged.
type ExpressionModel struct {
	exprs [4]*govaluate.EvaluableExpression
}

// NewExpressionModel compiles the expressions, keyed by feature name.
func NewExpressionModel(exprs map[string]string) (*ExpressionModel, error) {
	if len(exprs) == 0 {
		return nil, ErrNoModel
	}
	m := &ExpressionModel{}
	known := 0
	for i, name := range FeatureNames {
		src, ok := exprs[name]
		if !ok || src == "" {
			continue
		}
		e, err := govaluate.NewEvaluableExpression(src)
		if err != nil {
			return nil, fmt.Errorf("forecast %s: %w", name, err)
		}
		m.exprs[i] = e
		known++
	}
	if known != len(exprs) {
		return nil, fmt.Errorf("forecast: unknown output in %v, want keys %v", keys(exprs), FeatureNames)
	}
	return m, nil
}

func (m *ExpressionModel) Predict(features [4]float64) ([4]float64, error) {
	params := make(map[string]interface{}, len(FeatureNames))
	for i, name := range FeatureNames {
		params[name] = features[i]
	}
	out := features
	for i, e := range m.exprs {
		if e == nil {
			continue
		}
		v, err := e.Evaluate(params)
		if err != nil {
			return out, fmt.Errorf("forecast %s: %w", FeatureNames[i], err)
		}
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return out, fmt.Errorf("forecast %s: non numeric result %v", FeatureNames[i], v)
		}
		out[i] = f
	}
	return out, nil
}

func keys(m map[string]string) []string {
	var ks []string
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}
