package blockedmcmc

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ConvergenceTracker holds the state check_all_ready/check_convergence_and_learn_proposal
// carries between checkpoints: the R-1 of means from the most recent checkpoint at which
// it was computable, used by the two-consecutive-checkpoints rule, and whether the run
// has already converged.
type ConvergenceTracker struct {
	Rminus1Last float64
	Converged   bool
	// History records one entry per checkpoint at which R-1 was computable,
	// in order; diagnostics.go plots it as a convergence trace.
	History []RminusPoint
}

// RminusPoint is one entry of a ConvergenceTracker's R-1 history: the
// number of accepted samples rank 0 had taken at that checkpoint, and the
// R-1 of means computed there.
type RminusPoint struct {
	N       int
	Rminus1 float64
}

// NewConvergenceTracker returns a tracker in its initial state (no checkpoint
// has passed yet, so Rminus1Last starts at +Inf: the two-in-a-row rule must
// never fire on the very first checkpoint).
func NewConvergenceTracker() *ConvergenceTracker {
	return &ConvergenceTracker{Rminus1Last: math.Inf(1)}
}

// atCheckpoint reports whether the current step is a checkpoint: the chain
// just accepted a step (weight reset to 1) and has taken a multiple of
// checkEveryDimensionTimes*nSlow accepted samples.
func atCheckpoint(n, checkEveryDimensionTimes, nSlow, weight int) bool {
	return n > 0 && weight == 1 && n%(checkEveryDimensionTimes*nSlow) == 0
}

// gelmanRubin computes the Gelman-Rubin R-1 statistic on the trailing-half
// chain means/covariances gathered from every chain, following
// original_source's check_convergence_and_learn_proposal: the within-chain
// term is the sample-count-weighted average of the per-chain covariances,
// the between-chain term is the (unweighted) covariance of the per-chain
// means, and both are normalized by diag(covOfMeans)^-1/2 before an
// eigenvalue decomposition of the normalized between-chain term in the
// normalized within-chain term's own basis.
//
// It returns the largest eigenvalue (R-1), the condition number, the
// weighted mean-of-covariances (the candidate new proposal covariance), and
// ok=false if the normalized within-chain covariance could not be
// Cholesky-factorized (not enough information yet).
func gelmanRubin(stats []ChainStats) (rminus1, condition float64, meanOfCovs *mat.SymDense, ok bool) {
	nChains := len(stats)
	d := stats[0].Cov.SymmetricDim()

	totalN := 0
	for _, s := range stats {
		totalN += s.N
	}
	meanOfCovs = mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			v := 0.0
			for _, s := range stats {
				v += float64(s.N) * s.Cov.At(i, j)
			}
			meanOfCovs.SetSym(i, j, v/float64(totalN))
		}
	}

	meansMat := mat.NewDense(nChains, d, nil)
	for c, s := range stats {
		meansMat.SetRow(c, s.Mean)
	}
	covOfMeansDense := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(covOfMeansDense, meansMat, nil)

	diagInvSqrt := make([]float64, d)
	for i := 0; i < d; i++ {
		// A parameter whose chain means all coincide has no between-chain
		// variance to normalize by; R-1 does not depend on this scaling, so
		// that parameter is left unscaled.
		if v := covOfMeansDense.At(i, i); v > 0 {
			diagInvSqrt[i] = 1 / math.Sqrt(v)
		} else {
			diagInvSqrt[i] = 1
		}
	}
	normalize := func(m *mat.SymDense) *mat.SymDense {
		out := mat.NewSymDense(d, nil)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				out.SetSym(i, j, diagInvSqrt[i]*m.At(i, j)*diagInvSqrt[j])
			}
		}
		return out
	}
	normCorrOfMeans := normalize(covOfMeansDense)
	normMeanOfCovs := normalize(meanOfCovs)

	var chol mat.Cholesky
	if !chol.Factorize(normMeanOfCovs) {
		return 0, 0, meanOfCovs, false
	}
	u := chol.RawU()

	// W = L^-1 * C = U^-T * C, solving U^T W = C.
	var w mat.Dense
	if err := w.Solve(u.T(), normCorrOfMeans); err != nil {
		return 0, 0, meanOfCovs, false
	}
	// A = W * U^-1 = L^-1 C L^-T, solving U^T A^T = W^T.
	var at mat.Dense
	wT := w.T()
	if err := at.Solve(u.T(), wT); err != nil {
		return 0, 0, meanOfCovs, false
	}
	a := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			a.SetSym(i, j, 0.5*(at.At(j, i)+at.At(i, j)))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(a, false) {
		return 0, 0, meanOfCovs, false
	}
	values := eig.Values(nil)
	maxAbs, minAbs := math.Abs(values[0]), math.Abs(values[0])
	for _, v := range values[1:] {
		av := math.Abs(v)
		if av > maxAbs {
			maxAbs = av
		}
		if av < minAbs {
			minAbs = av
		}
	}
	condition = maxAbs
	if minAbs != 0 {
		condition = maxAbs / minAbs
	}
	return maxAbs, condition, meanOfCovs, true
}

// confidenceRminus1 computes the secondary convergence criterion of
// spec.md §4.6: the sample standard deviation, across chains, of each
// parameter's lower/upper confidence bound, in units of that parameter's
// standard deviation sqrt(meanOfCovs[i][i]), maximized over parameters and
// bound sides.
func confidenceRminus1(stats []ChainStats, meanOfCovs *mat.SymDense) float64 {
	d := len(stats[0].LowerBound)
	nChains := len(stats)
	maxStat := 0.0
	for i := 0; i < d; i++ {
		sigma := math.Sqrt(meanOfCovs.At(i, i))
		for _, bounds := range [2]func(ChainStats) float64{
			func(s ChainStats) float64 { return s.LowerBound[i] },
			func(s ChainStats) float64 { return s.UpperBound[i] },
		} {
			vals := make([]float64, nChains)
			for c, s := range stats {
				vals[c] = bounds(s)
			}
			sd := stat.StdDev(vals, nil)
			if r := sd / sigma; r > maxStat {
				maxStat = r
			}
		}
	}
	return maxStat
}

// CheckConvergenceAndLearnProposal implements spec.md §4.6: given the
// trailing-half statistics already gathered from every chain (by
// ChainDriver's readiness Poll), it checks Gelman-Rubin convergence of the
// means (and, once that passes, of the confidence bounds), and — if
// cfg.LearnProposal and the run has not converged — learns a new proposal
// covariance from the gathered statistics, broadcasting it to every chain
// and installing it on proposer. It mutates tracker in place.
//
// A single-chain communicator (comm.Size() == 1) never declares
// convergence: Gelman-Rubin needs more than one chain to have a
// between-chain term, so this function only ever learns a new proposal
// covariance in that case, using the lone chain's own statistics.
func CheckConvergenceAndLearnProposal(comm Communicator, proposer *BlockedProposer, all []ChainStats, cfg *Config, tracker *ConvergenceTracker) error {
	var (
		rminus1         float64
		meanOfCovs      *mat.SymDense
		haveRminus1     bool
		goodConvergence bool
	)

	if comm.Rank() == 0 && comm.Size() > 1 {
		var ok bool
		var condition float64
		rminus1, condition, meanOfCovs, ok = gelmanRubin(all)
		haveRminus1 = ok
		if ok {
			tracker.History = append(tracker.History, RminusPoint{N: all[0].TotalN, Rminus1: rminus1})
			logf(cfg.Logger, "blockedmcmc: convergence of means: R-1 = %g (condition number %g)", rminus1, condition)
			if math.Max(rminus1, tracker.Rminus1Last) < cfg.Rminus1Stop {
				rminus1CL := confidenceRminus1(all, meanOfCovs)
				logf(cfg.Logger, "blockedmcmc: convergence of bounds: R-1 = %g", rminus1CL)
				if rminus1CL < cfg.Rminus1CLStop {
					tracker.Converged = true
					logf(cfg.Logger, "blockedmcmc: the run has converged")
				}
			}
		} else {
			logf(cfg.Logger, "blockedmcmc: negative covariance eigenvalues; "+
				"the covariance of the samples does not yet contain enough information. Skipping this checkpoint")
		}
	}

	if comm.Size() > 1 {
		state := comm.BroadcastConvergence(ConvergenceState{
			HaveRminus1: haveRminus1,
			Rminus1:     rminus1,
			Converged:   tracker.Converged,
		})
		haveRminus1, rminus1, tracker.Converged = state.HaveRminus1, state.Rminus1, state.Converged
		if haveRminus1 {
			tracker.Rminus1Last = rminus1
		}
		goodConvergence = haveRminus1 &&
			rminus1 < cfg.LearnProposalRminus1Max && rminus1 > cfg.LearnProposalRminus1Min
	}

	if !cfg.LearnProposal || tracker.Converged {
		return nil
	}
	if comm.Size() > 1 && !goodConvergence {
		logf(cfg.Logger, "blockedmcmc: bad convergence statistics, waiting until the next checkpoint")
		return nil
	}

	if meanOfCovs == nil {
		meanOfCovs = all[comm.Rank()].Cov
	}
	newSigma := meanOfCovs
	if comm.Size() > 1 {
		newSigma = comm.Broadcast(meanOfCovs)
	}
	if err := proposer.SetCovariance(newSigma); err != nil {
		return err
	}
	logf(cfg.Logger, "blockedmcmc: updated covariance matrix of the proposal pdf")
	return nil
}
