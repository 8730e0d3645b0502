package blockedmcmc

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAtCheckpoint(t *testing.T) {
	cases := []struct {
		n, checkEvery, nSlow, weight int
		want                         bool
	}{
		{n: 0, checkEvery: 2, nSlow: 3, weight: 1, want: false}, // n==0 never a checkpoint
		{n: 6, checkEvery: 2, nSlow: 3, weight: 1, want: true},  // 6 == 2*3
		{n: 6, checkEvery: 2, nSlow: 3, weight: 2, want: false}, // not a fresh accept
		{n: 5, checkEvery: 2, nSlow: 3, weight: 1, want: false}, // not a multiple of 6
	}
	for _, c := range cases {
		got := atCheckpoint(c.n, c.checkEvery, c.nSlow, c.weight)
		if got != c.want {
			t.Errorf("atCheckpoint(%d,%d,%d,%d) = %v, want %v", c.n, c.checkEvery, c.nSlow, c.weight, got, c.want)
		}
	}
}

func identicalChainStats(n int) []ChainStats {
	mean := []float64{0, 0}
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	stats := make([]ChainStats, n)
	for i := range stats {
		stats[i] = ChainStats{
			Mean: append([]float64(nil), mean...),
			Cov:  cov,
			N:    100, TotalN: 200,
			LowerBound: []float64{-2, -2},
			UpperBound: []float64{2, 2},
		}
	}
	return stats
}

func TestGelmanRubinNearZeroForIdenticalChains(t *testing.T) {
	stats := identicalChainStats(4)
	rminus1, _, meanOfCovs, ok := gelmanRubin(stats)
	if !ok {
		t.Fatal("gelmanRubin reported not-ok for a well-conditioned input")
	}
	if rminus1 > 1e-6 {
		t.Errorf("R-1 = %g for identical chains, want ~0", rminus1)
	}
	if meanOfCovs.At(0, 0) != 1 {
		t.Errorf("meanOfCovs[0][0] = %g, want 1", meanOfCovs.At(0, 0))
	}
}

func TestGelmanRubinLargeForDivergentChainMeans(t *testing.T) {
	stats := identicalChainStats(4)
	// Push chain means far apart relative to their within-chain spread.
	stats[0].Mean = []float64{10, 0}
	stats[1].Mean = []float64{-10, 0}
	stats[2].Mean = []float64{0, 10}
	stats[3].Mean = []float64{0, -10}
	rminus1, _, _, ok := gelmanRubin(stats)
	if !ok {
		t.Fatal("gelmanRubin reported not-ok")
	}
	if rminus1 < 1 {
		t.Errorf("R-1 = %g for widely divergent chain means, want a large value", rminus1)
	}
}

func TestGelmanRubinNotOkWhenNotPositiveDefinite(t *testing.T) {
	stats := identicalChainStats(2)
	for i := range stats {
		stats[i].Cov = mat.NewSymDense(2, []float64{0, 0, 0, 0})
	}
	_, _, _, ok := gelmanRubin(stats)
	if ok {
		t.Error("gelmanRubin should report not-ok for a singular within-chain covariance")
	}
}

func TestConfidenceRminus1ZeroForIdenticalBounds(t *testing.T) {
	stats := identicalChainStats(4)
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	if r := confidenceRminus1(stats, cov); r != 0 {
		t.Errorf("confidenceRminus1 = %g for identical bounds across chains, want 0", r)
	}
}

func TestCheckConvergenceAndLearnProposalSingleChainLearnsFromOwnStats(t *testing.T) {
	comm := NullCommunicator{}
	blocks := []Block{{0, 1}}
	proposer, err := NewBlockedProposer(blocks, nil, -1, 1, newTestRand(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := proposer.SetCovariance(mat.NewSymDense(2, []float64{1, 0, 0, 1})); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{LearnProposal: true, LearnProposalRminus1Max: 0.1, LearnProposalRminus1Min: 0}
	tracker := NewConvergenceTracker()
	newCov := mat.NewSymDense(2, []float64{4, 1, 1, 4})
	all := []ChainStats{{Mean: []float64{0, 0}, Cov: newCov}}

	if err := CheckConvergenceAndLearnProposal(comm, proposer, all, cfg, tracker); err != nil {
		t.Fatal(err)
	}
	if proposer.sigma.At(0, 0) != 4 {
		t.Errorf("proposer covariance not updated from the lone chain's stats: got %g, want 4", proposer.sigma.At(0, 0))
	}
}

func TestCheckConvergenceAndLearnProposalNeverConvergesSingleChain(t *testing.T) {
	comm := NullCommunicator{}
	blocks := []Block{{0, 1}}
	proposer, err := NewBlockedProposer(blocks, nil, -1, 1, newTestRand(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := proposer.SetCovariance(mat.NewSymDense(2, []float64{1, 0, 0, 1})); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{LearnProposal: false}
	tracker := NewConvergenceTracker()
	all := []ChainStats{{Mean: []float64{0, 0}, Cov: mat.NewSymDense(2, []float64{1, 0, 0, 1})}}
	if err := CheckConvergenceAndLearnProposal(comm, proposer, all, cfg, tracker); err != nil {
		t.Fatal(err)
	}
	if tracker.Converged {
		t.Error("a single-chain communicator must never declare convergence")
	}
}

func TestNewConvergenceTrackerStartsAtPositiveInfinity(t *testing.T) {
	tracker := NewConvergenceTracker()
	if !math.IsInf(tracker.Rminus1Last, 1) {
		t.Errorf("Rminus1Last = %g, want +Inf", tracker.Rminus1Last)
	}
	if tracker.Converged {
		t.Error("a fresh tracker must not be converged")
	}
	if len(tracker.History) != 0 {
		t.Error("a fresh tracker must have no history")
	}
}
