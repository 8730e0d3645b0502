package blockedmcmc

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// InMemoryCollection is the default Collection: an append-only, in-memory
// store of accepted samples with their integer weights (spec.md §4.5). It
// is not safe for concurrent use; each chain owns exactly one.
type InMemoryCollection struct {
	points []Point
	dim    int
}

// NewInMemoryCollection returns an empty collection over dim sampled
// parameters.
func NewInMemoryCollection(dim int) *InMemoryCollection {
	return &InMemoryCollection{dim: dim}
}

func (c *InMemoryCollection) Len() int { return len(c.points) }

func (c *InMemoryCollection) Add(p Point) { c.points = append(c.points, p.Clone()) }

// Flush is a no-op: InMemoryCollection keeps everything in memory for the
// life of the run. A Collection backed by durable storage would flush its
// buffered rows here.
func (c *InMemoryCollection) Flush() error { return nil }

func (c *InMemoryCollection) column(first, paramIndex int) (values, weights []float64) {
	n := len(c.points) - first
	if n <= 0 {
		return nil, nil
	}
	values = make([]float64, n)
	weights = make([]float64, n)
	for i, p := range c.points[first:] {
		values[i] = p.Values[paramIndex]
		weights[i] = float64(p.Weight)
	}
	return values, weights
}

func (c *InMemoryCollection) Mean(first int) []float64 {
	mean := make([]float64, c.dim)
	for j := 0; j < c.dim; j++ {
		values, weights := c.column(first, j)
		mean[j] = stat.Mean(values, weights)
	}
	return mean
}

func (c *InMemoryCollection) Cov(first int) *mat.SymDense {
	n := len(c.points) - first
	if n <= 0 {
		return mat.NewSymDense(c.dim, nil)
	}
	data := mat.NewDense(n, c.dim, nil)
	weights := make([]float64, n)
	for i, p := range c.points[first:] {
		data.SetRow(i, p.Values)
		weights[i] = float64(p.Weight)
	}
	cov := mat.NewSymDense(c.dim, nil)
	stat.CovarianceMatrix(cov, data, weights)
	return cov
}

// Confidence implements spec.md §4.6's confidence-bound query with a
// weighted Gaussian-kernel density estimate in place of vendoring a KDE
// library (see DESIGN.md): it inverts the smoothed weighted empirical CDF
// of the samples' paramIndex marginal, bracketing the root with
// bisectionQuantile (the teacher's Bissection, adapted to a continuous,
// monotonically increasing target function instead of a user-supplied f).
func (c *InMemoryCollection) Confidence(first, paramIndex int, limfrac float64, upper bool) float64 {
	values, weights := c.column(first, paramIndex)
	if len(values) == 0 {
		return math.NaN()
	}
	target := limfrac
	if upper {
		target = 1 - limfrac
	}
	h := silvermanBandwidth(values, weights)
	cdf := func(x float64) float64 { return weightedGaussianCDF(x, values, weights, h) }

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	lo -= 8 * h
	hi += 8 * h
	x, err := bisectionQuantile(lo, hi, 1e-8, func(x float64) float64 { return cdf(x) - target })
	if err != nil {
		// The bracket should always contain the root since cdf(lo)~0 and
		// cdf(hi)~1; fall back to the nearer bracket endpoint.
		if target <= 0.5 {
			return lo
		}
		return hi
	}
	return x
}

func weightedGaussianCDF(x float64, values, weights []float64, h float64) float64 {
	num, den := 0.0, 0.0
	for i, v := range values {
		w := weights[i]
		num += w * 0.5 * (1 + math.Erf((x-v)/(h*math.Sqrt2)))
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// silvermanBandwidth applies Silverman's rule of thumb to the weighted
// sample, using the effective sample size sum(w)^2/sum(w^2) in place of the
// raw count so heavily-repeated (highly-weighted) rejected points don't
// make the kernel narrower than the sample actually supports.
func silvermanBandwidth(values, weights []float64) float64 {
	_, std := stat.MeanStdDev(values, weights)
	if std == 0 {
		std = 1
	}
	sumW, sumW2 := 0.0, 0.0
	for _, w := range weights {
		sumW += w
		sumW2 += w * w
	}
	neff := sumW
	if sumW2 > 0 {
		neff = sumW * sumW / sumW2
	}
	if neff < 1 {
		neff = 1
	}
	return 1.06 * std * math.Pow(neff, -0.2)
}

// bisectionQuantile finds a root of f in [a,b] by bisection, adapted from
// the teacher's Bissection (brent.go): same bracketing contract (f(a) and
// f(b) must have opposite signs), generalized to a tolerance-on-x stopping
// rule and no logger, since it is called many times per checkpoint.
func bisectionQuantile(a, b, tol float64, f func(float64) float64) (float64, error) {
	fa, fb := f(a), f(b)
	if fa*fb >= 0 {
		return math.NaN(), errors.New("blockedmcmc: bisectionQuantile: f(a) and f(b) do not bracket a root")
	}
	for math.Abs(b-a) > tol {
		mid := (a + b) / 2
		fm := f(mid)
		if fa*fm <= 0 {
			b, fb = mid, fm
		} else {
			a, fa = mid, fm
		}
	}
	return (a + b) / 2, nil
}
