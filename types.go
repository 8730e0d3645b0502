// Package blockedmcmc implements the core of a blocked fast/slow
// Metropolis-Hastings MCMC sampler: a blocked proposal distribution over
// speed-ordered parameter blocks, Metropolis and dragging acceptance
// engines, a chain driver, and Gelman-Rubin convergence/proposal-learning
// machinery for parallel chains.
//
// The prior/likelihood evaluator, sample storage and output writer,
// configuration loading and the CLI are external collaborators; this
// package only defines the interfaces it needs from them.
package blockedmcmc

import (
	"errors"
	"fmt"
)

const (
	errEmptyBlocks        = "blockedmcmc: no blocks supplied"
	errDimMismatch        = "blockedmcmc: dimension mismatch"
	errNonPositiveMaxTry  = "blockedmcmc: max_tries must be positive"
	errBothDragModesSet   = "blockedmcmc: exactly one of drag_nfast_times or drag_interp_steps may be set"
	errOversampleAndDrag  = "blockedmcmc: oversample and dragging are mutually exclusive"
	errAllSpeedsEqual     = "blockedmcmc: all likelihood speeds are equal, no speed-hierarchy mode is possible"
	errMaxSpeedSlowBounds = "blockedmcmc: max_speed_slow must satisfy min(speeds) <= max_speed_slow < max(speeds)"
)

// resize returns a slice of length n, reusing x's backing array when it has
// enough capacity and allocating a new one otherwise.
func resize(x []float64, n int) []float64 {
	if n > cap(x) {
		return make([]float64, n)
	}
	return x[:n]
}

// Parameter describes one sampled parameter: its name, its optional
// explicit proposal width, its optional reference-distribution standard
// deviation, and its speed rank (only the relative ordering of speeds
// across parameters matters).
type Parameter struct {
	Name     string
	Proposal *float64
	RefStd   *float64
	Speed    float64
}

// Block is an ordered sequence of indices into the sampled-parameter list
// that share the same speed. A []Block is ordered slowest-first by its
// owner; Block itself carries no ordering information.
type Block []int

// Point is a single location in parameter space together with its cached
// posterior evaluation and its weight: the number of consecutive rejections
// counted from (and including) the step at which it became current, so a
// freshly accepted point has weight 1.
type Point struct {
	Values   []float64
	LogPost  float64
	LogPrior float64
	LogLikes []float64
	Derived  []float64
	Weight   int
}

// Clone returns a deep copy of p.
func (p Point) Clone() Point {
	q := p
	q.Values = append([]float64(nil), p.Values...)
	q.LogLikes = append([]float64(nil), p.LogLikes...)
	q.Derived = append([]float64(nil), p.Derived...)
	return q
}

// ConfigError reports a configuration problem detected before sampling
// starts: conflicting modes, a malformed covariance file, a non-SPD matrix,
// duplicate parameter names, or an unmet mode precondition. It is always
// fatal and is returned, never panicked.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// StuckChainError reports that the current point's weight exceeded
// MaxTries: the chain rejected MaxTries consecutive proposals. It is
// returned from ChainDriver.Run after the collection has been flushed.
type StuckChainError struct {
	Tries int
}

func (e *StuckChainError) Error() string {
	return fmt.Sprintf("blockedmcmc: chain stuck for %d attempts; try improving the reference point/distribution", e.Tries)
}

var errNoIntersection = errors.New("blockedmcmc: loaded covariance matrix shares no parameter with the sampled set")

// Config collects the recognised configuration options from spec.md's
// "External interfaces" section. It is populated by the caller; this
// package does not parse YAML or flags.
type Config struct {
	BurnIn      int
	MaxSamples  int
	MaxTries    int
	OutputEvery int

	CallbackEvery int
	Callback      Callback

	LearnProposal                bool
	LearnProposalRminus1Max      float64
	LearnProposalRminus1MaxEarly float64
	LearnProposalRminus1Min      float64

	CheckEveryDimensionTimes int
	Rminus1Stop              float64
	Rminus1CLStop            float64
	Rminus1CLLevel           float64

	Oversample bool

	// Drag requests fast-dragging mode; DragNFastTimes or DragInterpSteps
	// (at most one of the two) then sizes it. Drag is a separate flag
	// rather than inferring the mode from DragInterpSteps > 0, because
	// DragInterpSteps = 0 is itself a valid request (spec.md §8: it
	// degenerates to a pure slow Metropolis step, restricted to the slow
	// blocks) that a zero-value/unset int can't be told apart from.
	Drag            bool
	DragNFastTimes  int
	DragInterpSteps int
	MaxSpeedSlow    float64

	ProposeScale float64

	Covmat       CovmatSource
	CovmatParams []string // not read by this package: an in-memory Covmat carries its names in CovmatMatrix.Names

	Logger Logger
	Debug  bool
}

// Logger is the nil-safe logging collaborator injected into the driver.
// *log.Logger already satisfies this interface; pass nil for no logging.
type Logger interface {
	Printf(format string, args ...interface{})
}

func logf(l Logger, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, args...)
}

func debugf(cfg *Config, format string, args ...interface{}) {
	if cfg == nil || !cfg.Debug {
		return
	}
	logf(cfg.Logger, format, args...)
}
