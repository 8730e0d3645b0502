package blockedmcmc

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// dragStep implements Neal's dragging technique (spec.md §4.4): it draws a
// single trial in the slow subspace, then "drags" the fast parameters
// across dragInterpSteps sub-steps interpolated between the current and
// proposed slow points, Metropolis-testing each sub-step against the
// interpolated log-posterior before finally testing the whole drag on the
// average of the accumulated start/end log-posteriors.
//
// It returns the trial point reached at the slow end (with weight 1) and
// whether it was accepted; on rejection the caller is responsible for
// incrementing current's weight, mirroring metropolisStep.
func dragStep(post Posterior, proposer *BlockedProposer, current Point, dragInterpSteps int, rnd Rand) (trial Point, accepted bool) {
	dim := len(current.Values)

	startSlow := append([]float64(nil), current.Values...)
	startLogPost := current.LogPost

	endSlow := append([]float64(nil), startSlow...)
	proposer.GetProposalSlow(endSlow)
	endEval := post.LogPosterior(endSlow)
	if math.IsInf(endEval.LogPost, -1) {
		return Point{}, false
	}

	currentStart := startSlow
	currentEnd := endSlow
	currentStartLogPost := startLogPost
	currentEndEval := endEval

	startAcc := 0.0
	endAcc := 0.0

	for i := 1; i <= dragInterpSteps; i++ {
		deltaFast := make([]float64, dim)
		proposer.GetProposalFast(deltaFast)

		proposalStart := addVectors(currentStart, deltaFast)
		proposalEnd := addVectors(currentEnd, deltaFast)

		startEval := post.LogPosterior(proposalStart)
		endEval2 := Evaluation{LogPost: math.Inf(-1)}
		if !math.IsInf(startEval.LogPost, -1) {
			endEval2 = post.LogPosterior(proposalEnd)
		}

		acceptDrag := false
		if !math.IsInf(startEval.LogPost, -1) && !math.IsInf(endEval2.LogPost, -1) {
			frac := float64(i) / float64(1+dragInterpSteps)
			proposalInterp := (1-frac)*startEval.LogPost + frac*endEval2.LogPost
			currentInterp := (1-frac)*currentStartLogPost + frac*currentEndEval.LogPost
			acceptDrag = metropolisAccept(proposalInterp, currentInterp, rnd)
		}
		if acceptDrag {
			currentStart = proposalStart
			currentStartLogPost = startEval.LogPost
			currentEnd = proposalEnd
			currentEndEval = endEval2
		}
		startAcc += currentStartLogPost
		endAcc += currentEndEval.LogPost
	}

	// dragInterpSteps == 0 degenerates to a pure slow Metropolis step
	// (spec.md §8): there are no fast sub-steps to average over, so the
	// loop above never ran and startAcc/endAcc must not be divided by 0.
	var accept bool
	if dragInterpSteps == 0 {
		accept = metropolisAccept(endEval.LogPost, startLogPost, rnd)
	} else {
		accept = metropolisAccept(endAcc/float64(dragInterpSteps), startAcc/float64(dragInterpSteps), rnd)
	}
	trial = Point{
		Values:   currentEnd,
		LogPost:  currentEndEval.LogPost,
		LogPrior: currentEndEval.LogPrior,
		LogLikes: currentEndEval.LogLikes,
		Derived:  currentEndEval.Derived,
		Weight:   1,
	}
	return trial, accept
}

func addVectors(a, b []float64) []float64 {
	out := make([]float64, len(a))
	return floats.Add(out, a, b)
}

// metropolisStep implements the plain (non-dragging, non-fast/slow-split)
// Metropolis step of spec.md §4.3: draw one trial from the full proposal
// and test it against the current point.
func metropolisStep(post Posterior, proposer *BlockedProposer, current Point, rnd Rand) (trial Point, accepted bool) {
	x := append([]float64(nil), current.Values...)
	proposer.GetProposal(x)
	eval := post.LogPosterior(x)
	accept := metropolisAccept(eval.LogPost, current.LogPost, rnd)
	trial = Point{
		Values:   x,
		LogPost:  eval.LogPost,
		LogPrior: eval.LogPrior,
		LogLikes: eval.LogLikes,
		Derived:  eval.Derived,
		Weight:   1,
	}
	return trial, accept
}
