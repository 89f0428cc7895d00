package forecast

import (
	"github.com/pkg/errors"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/metrics"
)

// ErrInsufficientHistory is returned by a forecaster that does not have
// enough samples to predict. The ensemble drops the member for that cycle
// without failing the whole forecast.
var ErrInsufficientHistory = errors.New("insufficient history")

// Forecaster is one interchangeable ensemble member. Statistical and learned
// models are equivalent plug-ins behind this interface.
type Forecaster interface {
	Name() string
	// Predict returns a series of horizon predicted values, one per future
	// sampling step, given the observed history (oldest first).
	Predict(history []metrics.Sample, horizon int) ([]float64, error)
}

// MovingAverage predicts a flat continuation of the mean over the most
// recent window samples.
type MovingAverage struct {
	Window int
}

func (f *MovingAverage) Name() string { return "moving_average" }

func (f *MovingAverage) Predict(history []metrics.Sample, horizon int) ([]float64, error) {
	if len(history) < f.Window {
		return nil, ErrInsufficientHistory
	}
	window := history[len(history)-f.Window:]
	sum := 0.0
	for _, sample := range window {
		sum += sample.Value
	}
	mean := sum / float64(len(window))
	series := make([]float64, horizon)
	for i := range series {
		series[i] = mean
	}
	return series, nil
}

// ExponentialSmoothing implements Holt's linear-trend double exponential
// smoothing.
type ExponentialSmoothing struct {
	// Level smoothing factor in (0,1].
	Alpha float64
	// Trend smoothing factor in (0,1].
	Beta float64
}

func (f *ExponentialSmoothing) Name() string { return "exponential_smoothing" }

func (f *ExponentialSmoothing) Predict(history []metrics.Sample, horizon int) ([]float64, error) {
	if len(history) < 2 {
		return nil, ErrInsufficientHistory
	}
	level := history[0].Value
	trend := history[1].Value - history[0].Value
	for _, sample := range history[1:] {
		previousLevel := level
		level = f.Alpha*sample.Value + (1-f.Alpha)*(level+trend)
		trend = f.Beta*(level-previousLevel) + (1-f.Beta)*trend
	}
	series := make([]float64, horizon)
	for i := range series {
		series[i] = level + float64(i+1)*trend
	}
	return series, nil
}

// LinearRegression fits an ordinary least-squares line through the most
// recent Lookback samples and extrapolates it.
type LinearRegression struct {
	Lookback int
}

func (f *LinearRegression) Name() string { return "linear_regression" }

func (f *LinearRegression) Predict(history []metrics.Sample, horizon int) ([]float64, error) {
	if len(history) < 2 {
		return nil, ErrInsufficientHistory
	}
	window := history
	if f.Lookback > 0 && len(window) > f.Lookback {
		window = window[len(window)-f.Lookback:]
	}

	n := float64(len(window))
	var sumX, sumY, sumXY, sumXX float64
	for i, sample := range window {
		x := float64(i)
		sumX += x
		sumY += sample.Value
		sumXY += x * sample.Value
		sumXX += x * x
	}
	denominator := n*sumXX - sumX*sumX
	if denominator == 0 {
		return nil, ErrInsufficientHistory
	}
	slope := (n*sumXY - sumX*sumY) / denominator
	intercept := (sumY - slope*sumX) / n

	series := make([]float64, horizon)
	for i := range series {
		x := n + float64(i)
		series[i] = intercept + slope*x
	}
	return series, nil
}
