package dp

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Mechanism selects the noise distribution.
type Mechanism string

const (
	Laplace  Mechanism = "laplace"
	Gaussian Mechanism = "gaussian"
)

const (
	DefaultEpsilon = 1.0
	DefaultDelta   = 1e-5
)

// Range bounds the values a field can take. Sensitivity is derived
// from the width, so a too-narrow range under-noises.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Width() float64 { return r.Max - r.Min }

// DefaultRanges holds typical clinical value ranges per field. Unknown
// fields fall back to the wide "default" entry.
var DefaultRanges = map[string]Range{
	"age":                      {0, 120},
	"blood_pressure_systolic":  {80, 200},
	"blood_pressure_diastolic": {50, 130},
	"blood_sugar":              {50, 300},
	"cholesterol":              {100, 400},
	"bmi":                      {10, 50},
	"hospitalization_count":    {0, 20},
	"default":                  {0, 1000},
}

// RangeFor resolves a field to its configured range.
func RangeFor(field string) Range {
	if r, ok := DefaultRanges[field]; ok {
		return r
	}
	return DefaultRanges["default"]
}

// Sensitivity is the worst-case change one record can make to the
// statistic. Unknown operations get the conservative full width.
func Sensitivity(operation string, r Range, sampleSize int) float64 {
	width := r.Width()
	n := float64(sampleSize)
	if n <= 0 {
		n = 1
	}
	switch operation {
	case "mean", "average", "median":
		return width / n
	case "sum":
		return width
	case "count":
		return 1
	case "variance", "std":
		return width * width / n
	case "min", "max":
		return width
	default:
		return width
	}
}

// Calibrator adds calibrated noise to released statistics. The zero
// value is not usable; construct with NewCalibrator.
type Calibrator struct {
	Epsilon float64
	Delta   float64

	uniform func() float64
	normal  func() float64
}

func NewCalibrator(epsilon, delta float64) *Calibrator {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	if delta <= 0 || delta >= 1 {
		delta = DefaultDelta
	}
	return &Calibrator{
		Epsilon: epsilon,
		Delta:   delta,
		uniform: rand.Float64,
		normal:  rand.NormFloat64,
	}
}

// AddNoise perturbs each value independently. Laplace uses
// scale = sensitivity/epsilon; Gaussian uses
// sigma = sensitivity*sqrt(2*ln(1.25/delta))/epsilon.
func (c *Calibrator) AddNoise(values []float64, sensitivity float64, mechanism Mechanism) ([]float64, error) {
	if sensitivity < 0 {
		return nil, fmt.Errorf("dp: negative sensitivity %f", sensitivity)
	}
	out := make([]float64, len(values))
	switch mechanism {
	case Laplace:
		scale := sensitivity / c.Epsilon
		for i, v := range values {
			out[i] = v + c.sampleLaplace(scale)
		}
	case Gaussian:
		sigma := GaussianSigma(sensitivity, c.Epsilon, c.Delta)
		for i, v := range values {
			out[i] = v + c.normal()*sigma
		}
	default:
		return nil, fmt.Errorf("dp: unknown mechanism %q", mechanism)
	}
	return out, nil
}

// AddNoiseScalar is AddNoise over a single value.
func (c *Calibrator) AddNoiseScalar(value, sensitivity float64, mechanism Mechanism) (float64, error) {
	out, err := c.AddNoise([]float64{value}, sensitivity, mechanism)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// GaussianSigma is the analytic-Gaussian-free classical calibration.
func GaussianSigma(sensitivity, epsilon, delta float64) float64 {
	return sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon
}

// sampleLaplace draws from Laplace(0, scale) by inverse CDF.
func (c *Calibrator) sampleLaplace(scale float64) float64 {
	u := c.uniform() - 0.5
	if u == 0 {
		return 0
	}
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}

// Estimate previews the noise a query will receive, so a requester can
// size the sample before spending budget.
type Estimate struct {
	Sensitivity       float64   `json:"sensitivity"`
	ExpectedMagnitude float64   `json:"expected_noise_magnitude"`
	StdDev            float64   `json:"noise_std_dev"`
	Mechanism         Mechanism `json:"noise_type"`
	Epsilon           float64   `json:"epsilon"`
	Recommendation    string    `json:"recommendation"`
}

// EstimateNoiseMagnitude reports expected |noise| and its standard
// deviation for the given query shape. For Laplace E|X| = scale and
// std = sqrt(2)*scale; for Gaussian E|X| = sigma*sqrt(2/pi) and
// std = sigma.
func (c *Calibrator) EstimateNoiseMagnitude(operation, field string, sampleSize int, mechanism Mechanism) (Estimate, error) {
	r := RangeFor(field)
	sens := Sensitivity(operation, r, sampleSize)

	var expected, std float64
	switch mechanism {
	case Laplace:
		scale := sens / c.Epsilon
		expected = scale
		std = math.Sqrt2 * scale
	case Gaussian:
		sigma := GaussianSigma(sens, c.Epsilon, c.Delta)
		expected = sigma * math.Sqrt(2/math.Pi)
		std = sigma
	default:
		return Estimate{}, fmt.Errorf("dp: unknown mechanism %q", mechanism)
	}

	return Estimate{
		Sensitivity:       sens,
		ExpectedMagnitude: expected,
		StdDev:            std,
		Mechanism:         mechanism,
		Epsilon:           c.Epsilon,
		Recommendation:    recommend(expected, r),
	}, nil
}

// recommend buckets expected noise against the field range. The
// thresholds are fixed design constants.
func recommend(noiseMagnitude float64, r Range) string {
	width := r.Width()
	if width <= 0 {
		return "warning: field range is degenerate, noise dominates"
	}
	switch ratio := noiseMagnitude / width; {
	case ratio < 0.01:
		return "excellent: noise is negligible relative to the data range"
	case ratio < 0.05:
		return "good: noise is within a practical tolerance"
	case ratio < 0.1:
		return "caution: noise is sizeable, consider a larger sample"
	default:
		return "warning: noise is large and may dominate the result"
	}
}
