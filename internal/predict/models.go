package predict

import (
	"fmt"
	"math"

	"perf-analytics/internal/stats"
)

// Forecast is the raw output of a model before the engine wraps it into a
// prediction result.
type Forecast struct {
	Value       float64
	Confidence  float64
	Parameters  map[string]float64
	Explanation string
}

// Model extrapolates a window of values steps samples past its last value.
// Implementations receive at least two values.
type Model interface {
	Name() string
	Forecast(values []float64, steps float64) Forecast
}

// ModelFunc is a user-supplied forecaster.
type ModelFunc func(values []float64, steps float64) (value, confidence float64)

func sizeFactor(n int) float64 {
	if n < 2 {
		return 0
	}
	return 1 - 1/float64(n)
}

// Linear extrapolates the least-squares line.
type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) Forecast(values []float64, steps float64) Forecast {
	fit := stats.LinearFit(values)
	x := float64(len(values)-1) + steps

	return Forecast{
		Value:      fit.At(x),
		Confidence: stats.Clamp(fit.R2*sizeFactor(len(values)), 0, 1),
		Parameters: map[string]float64{
			"slope":     fit.Slope,
			"intercept": fit.Intercept,
			"r2":        fit.R2,
			"steps":     steps,
		},
		Explanation: fmt.Sprintf("least-squares line over %d samples, slope %.3f per sample, r² %.2f",
			len(values), fit.Slope, fit.R2),
	}
}

// ExponentialSmoothing is Holt's double exponential smoothing with the
// trend factor equal to the level factor.
type ExponentialSmoothing struct {
	Alpha float64
}

func (ExponentialSmoothing) Name() string { return "exponential" }

func (m ExponentialSmoothing) Forecast(values []float64, steps float64) Forecast {
	alpha := stats.Clamp(m.Alpha, 0.01, 1)
	beta := alpha

	level := values[0]
	trend := values[1] - values[0]

	var sqErr float64
	for _, v := range values[1:] {
		predicted := level + trend
		sqErr += (v - predicted) * (v - predicted)

		prevLevel := level
		level = alpha*v + (1-alpha)*(level+trend)
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}

	rmse := math.Sqrt(sqErr / float64(len(values)-1))
	fit := 1.0
	if sd := stats.StdDev(values); sd > 0 {
		fit = stats.Clamp(1-rmse/(2*sd), 0, 1)
	} else if rmse > 0 {
		fit = 0
	}

	return Forecast{
		Value:      level + steps*trend,
		Confidence: stats.Clamp(fit*sizeFactor(len(values)), 0, 1),
		Parameters: map[string]float64{
			"alpha": alpha,
			"beta":  beta,
			"level": level,
			"trend": trend,
			"rmse":  rmse,
			"steps": steps,
		},
		Explanation: fmt.Sprintf("double exponential smoothing (alpha %.2f), level %.2f, trend %.3f per sample",
			alpha, level, trend),
	}
}

// Ensemble averages its members and scales their mean confidence down by
// how much they disagree.
type Ensemble struct {
	Members []Model
}

func (Ensemble) Name() string { return "ensemble" }

func (m Ensemble) Forecast(values []float64, steps float64) Forecast {
	if len(m.Members) == 0 {
		return Forecast{Value: values[len(values)-1], Explanation: "empty ensemble, holding last value"}
	}

	forecasts := make([]float64, len(m.Members))
	confidences := make([]float64, len(m.Members))
	params := make(map[string]float64, len(m.Members)*2)
	for i, member := range m.Members {
		f := member.Forecast(values, steps)
		forecasts[i] = f.Value
		confidences[i] = f.Confidence
		params[member.Name()] = f.Value
		params[member.Name()+"Confidence"] = f.Confidence
	}

	mean := stats.Mean(forecasts)
	cv := disagreement(forecasts)
	params["disagreement"] = cv

	return Forecast{
		Value:       mean,
		Confidence:  stats.Clamp(stats.Mean(confidences)/(1+cv), 0, 1),
		Parameters:  params,
		Explanation: fmt.Sprintf("mean of %d models, disagreement %.3f", len(m.Members), cv),
	}
}

func disagreement(forecasts []float64) float64 {
	sd := stats.StdDev(forecasts)
	if sd == 0 {
		return 0
	}
	mean := math.Abs(stats.Mean(forecasts))
	if mean < 1e-9 {
		return sd
	}
	return sd / mean
}

// Custom wraps a ModelFunc under a name.
type Custom struct {
	ModelName string
	Fn        ModelFunc
}

func (c Custom) Name() string { return c.ModelName }

// Forecast implements Model. A panicking function yields a zero-confidence
// forecast holding the last value.
func (c Custom) Forecast(values []float64, steps float64) (f Forecast) {
	last := values[len(values)-1]
	defer func() {
		if r := recover(); r != nil {
			f = Forecast{
				Value:       last,
				Explanation: fmt.Sprintf("custom model %s failed: %v", c.ModelName, r),
			}
		}
	}()

	cp := make([]float64, len(values))
	copy(cp, values)
	value, confidence := c.Fn(cp, steps)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Forecast{Value: last, Explanation: "custom model " + c.ModelName + " returned a non-finite value"}
	}

	return Forecast{
		Value:       value,
		Confidence:  stats.Clamp(confidence, 0, 1),
		Parameters:  map[string]float64{"steps": steps},
		Explanation: "custom model " + c.ModelName,
	}
}
