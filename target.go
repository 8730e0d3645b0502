package blockedmcmc

import "gonum.org/v1/gonum/mat"

// Rand is the minimal random-stream surface the core needs. *rand.Rand from
// golang.org/x/exp/rand satisfies it, matching the Src *rand.Rand field
// idiom used throughout gonum's distuv package.
type Rand interface {
	Float64() float64
	NormFloat64() float64
	ExpFloat64() float64
}

// Evaluation is the result of evaluating the posterior at a point.
type Evaluation struct {
	LogPost  float64
	LogPrior float64
	LogLikes []float64
	Derived  []float64
}

// Posterior is the prior/likelihood evaluator: a pure function from a
// parameter vector to a log-posterior, log-prior, per-likelihood
// log-likelihoods and derived parameters. A non-finite LogPost denotes a
// hard rejection (out-of-prior or otherwise invalid) and must never cause
// Posterior to panic.
type Posterior interface {
	LogPosterior(x []float64) Evaluation
}

// Prior supplies the sampled dimensionality, a reference-point sampler and
// a reference covariance diagonal used to seed the proposal covariance
// when nothing better is available.
type Prior interface {
	Dim() int
	// Reference draws a sample from the reference distribution, retrying
	// up to maxTries times if the draw has a non-finite posterior under p.
	Reference(p Posterior, rnd Rand, maxTries int) (Point, error)
	ReferenceCovmat() *mat.SymDense
}

// Collection is the append-only accepted-sample store. ChainDriver only
// ever reads a trailing half of it for statistics, appends to it and
// flushes it; a single writer per chain is assumed.
type Collection interface {
	Len() int
	Add(p Point)
	Mean(first int) []float64
	Cov(first int) *mat.SymDense
	// Confidence returns the lower (upper=false) or upper (upper=true)
	// bound of the marginal of parameter paramIndex that leaves a fraction
	// limfrac of the weight below (lower) or above (upper) it, computed over
	// the entries from index first onward.
	Confidence(first, paramIndex int, limfrac float64, upper bool) float64
	// Flush persists buffered samples to durable output. A no-op
	// implementation is valid.
	Flush() error
}

// SamplerView is the read-only facet of a running chain exposed to a
// Callback.
type SamplerView interface {
	Prior() Prior
	Posterior() Posterior
	Collection() Collection
}

// Callback is invoked by the chain driver every CallbackEvery accepted
// samples, exactly when a new sample has just become current.
type Callback interface {
	OnNewSample(view SamplerView)
}
