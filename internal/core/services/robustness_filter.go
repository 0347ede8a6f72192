package services

import (
	"fmt"
	"math"
	"sort"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
)

type DetectorType string

const (
	DetectorNone        DetectorType = "none"
	DetectorAsyncFilter DetectorType = "asyncfilter"
	DetectorNorm        DetectorType = "norm"
)

const (
	// madScale turns a median absolute deviation into a standard deviation
	// estimate for normally distributed scores.
	madScale = 1.4826
	// minScreenSize is the smallest window a robust centre can be taken from.
	minScreenSize = 3
	minThreshold  = 1e-9
	// benignTailZ is the normal quantile an honest score may reach before
	// it is treated as an outlier. At 5 a benign window of forty updates is
	// flagged well under once in ten thousand windows.
	benignTailZ = 5.0
)

type FilterParams struct {
	Tolerance float64
	Margin    float64
}

func NewDetector(kind DetectorType, params FilterParams) (ports.Detector, error) {
	if params.Tolerance <= 0 {
		params.Tolerance = 3.0
	}
	if params.Margin < 0 {
		params.Margin = 0
	}

	switch kind {
	case DetectorNone, "":
		return passThrough{}, nil
	case DetectorAsyncFilter:
		return &AsyncFilter{params: params, centre: coordinateMedian}, nil
	case DetectorNorm:
		return &AsyncFilter{params: params, centre: previousWeights, name: string(DetectorNorm)}, nil
	default:
		return nil, fmt.Errorf("unknown detector type %q", kind)
	}
}

type passThrough struct{}

func (passThrough) Name() string { return string(DetectorNone) }

func (passThrough) Screen(_ models.GlobalModel, candidates []*models.Update) ([]*models.Update, []*models.Update) {
	return candidates, nil
}

// AsyncFilter scores each candidate by its distance to a centre estimate of
// the buffered window and rejects the outliers. The threshold adapts to the
// score distribution of whatever subset of clients has arrived.
type AsyncFilter struct {
	params FilterParams
	centre func(previous models.GlobalModel, candidates []*models.Update) []float64
	name   string
}

func (f *AsyncFilter) Name() string {
	if f.name != "" {
		return f.name
	}
	return string(DetectorAsyncFilter)
}

func (f *AsyncFilter) Screen(previous models.GlobalModel, candidates []*models.Update) ([]*models.Update, []*models.Update) {
	if len(candidates) < minScreenSize {
		return candidates, nil
	}

	centre := f.centre(previous, candidates)
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = euclidean(c.Payload, centre)
	}

	threshold := f.Threshold(scores, len(centre))

	flagged := make([]int, 0)
	for i, s := range scores {
		if s > threshold {
			flagged = append(flagged, i)
		}
	}

	// A median-based centre only holds while the honest clients are the
	// majority, so never reject more than a minority of the window.
	maxRejections := (len(candidates) - 1) / 2
	if len(flagged) > maxRejections {
		sort.SliceStable(flagged, func(a, b int) bool {
			return scores[flagged[a]] > scores[flagged[b]]
		})
		flagged = flagged[:maxRejections]
	}

	reject := make(map[int]struct{}, len(flagged))
	for _, i := range flagged {
		reject[i] = struct{}{}
	}

	accepted := make([]*models.Update, 0, len(candidates)-len(flagged))
	rejected := make([]*models.Update, 0, len(flagged))
	for i, c := range candidates {
		if _, ok := reject[i]; ok {
			rejected = append(rejected, c)
		} else {
			accepted = append(accepted, c)
		}
	}
	return accepted, rejected
}

// Threshold is max(median + k·1.4826·MAD, max(1+m, q(d))·median, ε), where
// q(d) is the ratio between the benignTailZ quantile and the median of a chi
// distribution with d degrees of freedom. Honest scores in d dimensions
// spread like σ·chi(d), which is wide for small models and narrow for large
// ones, so the margin alone only holds for large d.
func (f *AsyncFilter) Threshold(scores []float64, dimension int) float64 {
	med := median(scores)
	deviations := make([]float64, len(scores))
	for i, s := range scores {
		deviations[i] = math.Abs(s - med)
	}
	mad := median(deviations)

	threshold := med + f.params.Tolerance*madScale*mad
	threshold = math.Max(threshold, math.Max(1+f.params.Margin, chiTailRatio(dimension))*med)
	return math.Max(threshold, minThreshold)
}

// chiTailRatio uses the Wilson-Hilferty approximation of the chi-square
// quantiles; the dimension factor cancels in the ratio.
func chiTailRatio(dimension int) float64 {
	if dimension <= 0 {
		return 1
	}
	v := 2 / (9 * float64(dimension))
	upper := 1 - v + benignTailZ*math.Sqrt(v)
	mid := 1 - v
	return math.Pow(upper/mid, 1.5)
}

func coordinateMedian(_ models.GlobalModel, candidates []*models.Update) []float64 {
	dimension := len(candidates[0].Payload)
	centre := make([]float64, dimension)
	column := make([]float64, 0, len(candidates))
	for i := 0; i < dimension; i++ {
		column = column[:0]
		for _, c := range candidates {
			if i < len(c.Payload) {
				column = append(column, c.Payload[i])
			}
		}
		centre[i] = median(column)
	}
	return centre
}

func previousWeights(previous models.GlobalModel, _ []*models.Update) []float64 {
	return previous.Weights
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// euclidean treats missing coordinates as a full mismatch so malformed
// payloads always score high.
func euclidean(a, b []float64) float64 {
	sum := 0.0
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y float64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		d := x - y
		sum += d * d
	}
	return math.Sqrt(sum)
}
