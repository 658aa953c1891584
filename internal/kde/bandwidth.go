package kde

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// BandwidthRule selects the bandwidth formula used for every pixel and both dimensions.
type BandwidthRule int

const (
	// RuleSilverman is the robust rule 0.9·min(std, IQR/1.349)·n^-0.2.
	RuleSilverman BandwidthRule = iota
	// RuleScott is the normal reference rule 1.06·std·n^(-1/(4+q)).
	RuleScott
)

// jointDims is the number of dimensions of the (day, VI) estimate.
const jointDims = 2

const iqrNormalize = 1.349

func ParseBandwidthRule(s string) (BandwidthRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "silverman":
		return RuleSilverman, nil
	case "scott":
		return RuleScott, nil
	default:
		return 0, fmt.Errorf("%w: unknown bandwidth rule %q", ErrInvalidInput, s)
	}
}

func (r BandwidthRule) String() string {
	switch r {
	case RuleSilverman:
		return "silverman"
	case RuleScott:
		return "scott"
	default:
		return fmt.Sprintf("rule(%d)", int(r))
	}
}

func (r BandwidthRule) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("%w: unknown bandwidth rule %d", ErrInvalidInput, int(r))
	}
	return []byte(r.String()), nil
}

func (r *BandwidthRule) UnmarshalText(text []byte) error {
	parsed, err := ParseBandwidthRule(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r BandwidthRule) valid() bool {
	return r == RuleSilverman || r == RuleScott
}

// Estimate applies the rule to a one-dimensional sample.
func (r BandwidthRule) Estimate(x []float64) (float64, error) {
	switch r {
	case RuleScott:
		return Scott(x, jointDims)
	default:
		return Silverman(x)
	}
}

// BandwidthPair holds the per-pixel bandwidths of both dimensions.
type BandwidthPair struct {
	Day float64 `json:"day"`
	VI  float64 `json:"vi"`
}

// Silverman returns the robust rule-of-thumb bandwidth of x.
func Silverman(x []float64) (float64, error) {
	if err := checkSample(x); err != nil {
		return 0, err
	}

	scale := selectSigma(x)
	if scale <= 0 || math.IsNaN(scale) {
		return 0, fmt.Errorf("%w: sample of %d values has no spread", ErrDegenerateBandwidth, len(x))
	}
	return 0.9 * scale * math.Pow(float64(len(x)), -0.2), nil
}

// Scott returns the normal reference bandwidth of x for a q-dimensional estimate.
func Scott(x []float64, q int) (float64, error) {
	if err := checkSample(x); err != nil {
		return 0, err
	}
	if q < 1 {
		return 0, fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalidInput, q)
	}

	_, std := stat.PopMeanStdDev(x, nil)
	if std <= 0 || math.IsNaN(std) {
		return 0, fmt.Errorf("%w: sample of %d values has no spread", ErrDegenerateBandwidth, len(x))
	}
	return 1.06 * std * math.Pow(float64(len(x)), -1/float64(4+q)), nil
}

func checkSample(x []float64) error {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in bandwidth sample", ErrInvalidInput)
		}
	}
	if len(x) < 2 {
		return fmt.Errorf("%w: need at least 2 values, got %d", ErrDegenerateBandwidth, len(x))
	}
	return nil
}

// selectSigma is min(std, IQR/1.349), or std when the IQR vanishes.
func selectSigma(x []float64) float64 {
	_, std := stat.PopMeanStdDev(x, nil)

	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	iqr := (percentile(sorted, 0.75) - percentile(sorted, 0.25)) / iqrNormalize
	if iqr > 0 {
		return math.Min(std, iqr)
	}
	return std
}

// percentile interpolates linearly between the closest ranks of an ascending sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
