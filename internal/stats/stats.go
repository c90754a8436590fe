// Package stats computes per-variant experiment results: sample sizes,
// conversion rates, confidence intervals, and two-proportion significance
// tests against the control variant.
package stats

import (
	"math"
	"time"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/experiment"
)

// zCritical is the two-sided critical value for 95% confidence intervals.
const zCritical = 1.96

// Observation is the raw aggregate for one variant: distinct identities
// with any event, conversion-typed event count, and summed event values.
type Observation struct {
	Variant     experiment.Variant
	SampleSize  int64
	Conversions int64
	TotalValue  float64
}

// Compute produces the full results payload for an experiment from raw
// per-variant observations. It never divides by zero: empty samples
// degrade to rate 0, p=1, not significant.
func Compute(exp *experiment.Experiment, observations []Observation, now time.Time) *api.ExperimentResults {
	results := &api.ExperimentResults{
		ExperimentID:  exp.ID,
		PrimaryMetric: exp.PrimaryMetric,
		CalculatedAt:  now,
	}

	var control *Observation
	for i := range observations {
		if observations[i].Variant.IsControl {
			control = &observations[i]
			break
		}
	}

	alpha := exp.SignificanceLevel
	if alpha <= 0 {
		alpha = 0.05
	}

	for _, obs := range observations {
		vr := api.VariantResults{
			VariantID:    obs.Variant.ID,
			VariantKey:   obs.Variant.Key,
			IsControl:    obs.Variant.IsControl,
			SampleSize:   obs.SampleSize,
			Conversions:  obs.Conversions,
			TotalValue:   obs.TotalValue,
			PValue:       1,
			CalculatedAt: now,
		}

		vr.ConversionRate = rate(obs.Conversions, obs.SampleSize)
		vr.IntervalLow, vr.IntervalHigh = confidenceInterval(vr.ConversionRate, obs.SampleSize)

		if !obs.Variant.IsControl && control != nil {
			p, improvement := twoProportionTest(control, &obs)
			vr.PValue = p
			vr.Significant = p < alpha
			vr.ImprovementOverControl = improvement
		}

		results.Variants = append(results.Variants, vr)
		results.TotalSampleSize += obs.SampleSize
		results.TotalConversions += obs.Conversions
	}

	results.OverallConversionRate = rate(results.TotalConversions, results.TotalSampleSize)
	if exp.StartedAt != nil {
		results.DurationDays = now.Sub(*exp.StartedAt).Hours() / 24
	}

	// Winner: the significant non-control variant with the highest
	// conversion rate. Ties break on first-encountered order.
	best := -1.0
	for _, vr := range results.Variants {
		if !vr.Significant || vr.IsControl {
			continue
		}
		results.IsStatisticallySignificant = true
		if vr.ConversionRate > best {
			best = vr.ConversionRate
			results.WinnerVariantID = vr.VariantID
		}
	}

	return results
}

func rate(conversions, sampleSize int64) float64 {
	if sampleSize == 0 {
		return 0
	}
	return float64(conversions) / float64(sampleSize)
}

// confidenceInterval returns the 95% normal-approximation interval
// around p, clamped to [0,1]. Zero samples collapse to [0,0].
func confidenceInterval(p float64, n int64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	margin := zCritical * math.Sqrt(p*(1-p)/float64(n))
	return math.Max(0, p-margin), math.Min(1, p+margin)
}

// twoProportionTest compares a variant against the control with a pooled
// two-proportion z-test. Returns the two-tailed p-value and the
// improvement-over-control percentage. Empty samples and zero standard
// error report p=1 and 0% rather than dividing by zero.
func twoProportionTest(control, variant *Observation) (pValue, improvement float64) {
	nc, nv := control.SampleSize, variant.SampleSize
	if nc == 0 || nv == 0 {
		return 1, 0
	}

	pc := rate(control.Conversions, nc)
	pv := rate(variant.Conversions, nv)

	pooled := float64(control.Conversions+variant.Conversions) / float64(nc+nv)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nc) + 1/float64(nv)))
	if se == 0 {
		return 1, 0
	}

	z := (pv - pc) / se
	pValue = 2 * (1 - normalCDF(math.Abs(z)))

	if pc > 0 {
		improvement = (pv - pc) / pc * 100
	}
	return pValue, improvement
}

// normalCDF is the standard normal CDF via the Abramowitz–Stegun 26.2.17
// rational approximation. The coefficients are pinned so independent
// implementations produce identical p-values (|error| < 7.5e-8).
func normalCDF(z float64) float64 {
	if z < 0 {
		return 1 - normalCDF(-z)
	}

	const (
		p  = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)

	t := 1 / (1 + p*z)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	density := math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
	return 1 - density*poly
}
