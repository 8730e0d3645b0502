package blockedmcmc

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// fixedPrior always returns the same reference point and a diagonal
// reference covariance; enough for ChainDriver's tests, which don't
// exercise rejection-retry in Reference.
type fixedPrior struct {
	dim    int
	start  []float64
	refCov *mat.SymDense
}

func (p fixedPrior) Dim() int { return p.dim }

func (p fixedPrior) Reference(post Posterior, rnd Rand, maxTries int) (Point, error) {
	eval := post.LogPosterior(p.start)
	return Point{
		Values: append([]float64(nil), p.start...), LogPost: eval.LogPost, LogPrior: eval.LogPrior, Weight: 1,
	}, nil
}

func (p fixedPrior) ReferenceCovmat() *mat.SymDense { return p.refCov }

func identityCov(n int) *mat.SymDense {
	c := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		c.SetSym(i, i, 1)
	}
	return c
}

func TestGroupBlocksBySpeedOrdersSlowestFirst(t *testing.T) {
	params := []Parameter{
		{Name: "a", Speed: 10},
		{Name: "b", Speed: 1},
		{Name: "c", Speed: 10},
		{Name: "d", Speed: 5},
	}
	blocks, speeds := groupBlocksBySpeed(params)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	for i := 1; i < len(speeds); i++ {
		if speeds[i] < speeds[i-1] {
			t.Fatalf("speeds not ascending: %v", speeds)
		}
	}
	// The speed-1 block must be first and contain only index 1 ("b").
	if speeds[0] != 1 || len(blocks[0]) != 1 || blocks[0][0] != 1 {
		t.Errorf("first block = %v (speed %g), want {1} at speed 1", blocks[0], speeds[0])
	}
	// The speed-10 block groups indices 0 and 2.
	last := blocks[len(blocks)-1]
	if len(last) != 2 {
		t.Errorf("last (fastest) block = %v, want the two speed-10 indices grouped together", last)
	}
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	cases := map[float64]float64{
		2.5: 3, -2.5: -3, 2.4: 2, -2.4: -2, 0: 0, 0.5: 1, -0.5: -1,
	}
	for in, want := range cases {
		if got := roundHalfAwayFromZero(in); got != want {
			t.Errorf("roundHalfAwayFromZero(%g) = %g, want %g", in, got, want)
		}
	}
}

func TestNewChainDriverRejectsNonPositiveMaxTries(t *testing.T) {
	params := []Parameter{{Name: "x", Speed: 1}}
	prior := fixedPrior{dim: 1, start: []float64{0}, refCov: identityCov(1)}
	post := gaussianPosterior{dim: 1}
	cfg := Config{MaxTries: 0, MaxSamples: 10, ProposeScale: 1, Rminus1Stop: 0.01, Rminus1CLStop: 0.2}
	_, err := NewChainDriver(params, prior, post, NewInMemoryCollection(1), NullCommunicator{}, newTestRand(1), cfg)
	if err == nil {
		t.Fatal("expected an error for MaxTries <= 0")
	}
}

func TestNewChainDriverRejectsOversampleAndDragTogether(t *testing.T) {
	params := []Parameter{{Name: "x", Speed: 1}, {Name: "y", Speed: 10}}
	prior := fixedPrior{dim: 2, start: []float64{0, 0}, refCov: identityCov(2)}
	post := gaussianPosterior{dim: 2}
	cfg := Config{
		MaxTries: 10, MaxSamples: 10, ProposeScale: 1,
		Oversample: true, Drag: true, DragInterpSteps: 2,
		Rminus1Stop: 0.01, Rminus1CLStop: 0.2,
	}
	_, err := NewChainDriver(params, prior, post, NewInMemoryCollection(2), NullCommunicator{}, newTestRand(1), cfg)
	if err == nil {
		t.Fatal("expected an error when Oversample and dragging are both requested")
	}
}

func TestChainDriverRunPlainProducesSamples(t *testing.T) {
	params := []Parameter{{Name: "x", Speed: 1}}
	prior := fixedPrior{dim: 1, start: []float64{0}, refCov: identityCov(1)}
	post := gaussianPosterior{dim: 1}
	coll := NewInMemoryCollection(1)
	cfg := Config{
		MaxTries: 1000, MaxSamples: 500, ProposeScale: 1,
		CheckEveryDimensionTimes: 40, Rminus1Stop: 0.01, Rminus1CLStop: 0.2, Rminus1CLLevel: 0.05,
	}
	driver, err := NewChainDriver(params, prior, post, coll, NullCommunicator{}, Rand(rand.New(rand.NewSource(5))), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := driver.Run(); err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if coll.Len() != 500 {
		t.Errorf("collected %d samples, want MaxSamples=500", coll.Len())
	}
	mean := coll.Mean(0)
	if math.Abs(mean[0]) > 1 {
		t.Errorf("chain mean = %g, want roughly centered on 0 for a standard Gaussian target", mean[0])
	}
}

func TestChainDriverRunDraggingCompletes(t *testing.T) {
	params := []Parameter{{Name: "slow", Speed: 1}, {Name: "fast", Speed: 10}}
	prior := fixedPrior{dim: 2, start: []float64{0, 0}, refCov: identityCov(2)}
	post := gaussianPosterior{dim: 2}
	coll := NewInMemoryCollection(2)
	cfg := Config{
		MaxTries: 1000, MaxSamples: 200, ProposeScale: 0.7,
		Drag: true, DragInterpSteps: 3,
		CheckEveryDimensionTimes: 40, Rminus1Stop: 0.01, Rminus1CLStop: 0.2, Rminus1CLLevel: 0.05,
		MaxSpeedSlow: 1,
	}
	driver, err := NewChainDriver(params, prior, post, coll, NullCommunicator{}, Rand(rand.New(rand.NewSource(6))), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := driver.Run(); err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if coll.Len() != 200 {
		t.Errorf("collected %d samples, want MaxSamples=200", coll.Len())
	}
}

// TestChainDriverRunDragInterpStepsZeroDegenerates exercises spec.md §8's
// boundary case: Drag with DragInterpSteps=0 must behave as a pure slow
// Metropolis step restricted to the slow block, not panic or produce NaN
// acceptance ratios, and must actually reach modeDrag (not silently fall
// back to plain mode, which would drop the slow/fast block split).
func TestChainDriverRunDragInterpStepsZeroDegenerates(t *testing.T) {
	params := []Parameter{{Name: "slow", Speed: 1}, {Name: "fast", Speed: 10}}
	prior := fixedPrior{dim: 2, start: []float64{0, 0}, refCov: identityCov(2)}
	post := gaussianPosterior{dim: 2}
	coll := NewInMemoryCollection(2)
	cfg := Config{
		MaxTries: 1000, MaxSamples: 100, ProposeScale: 0.7,
		Drag: true, DragInterpSteps: 0,
		CheckEveryDimensionTimes: 40, Rminus1Stop: 0.01, Rminus1CLStop: 0.2, Rminus1CLLevel: 0.05,
		MaxSpeedSlow: 1,
	}
	driver, err := NewChainDriver(params, prior, post, coll, NullCommunicator{}, Rand(rand.New(rand.NewSource(7))), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if driver.mode != modeDrag {
		t.Fatalf("mode = %v, want modeDrag even though DragInterpSteps=0", driver.mode)
	}
	if err := driver.Run(); err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if coll.Len() != 100 {
		t.Errorf("collected %d samples, want MaxSamples=100", coll.Len())
	}
	mean := coll.Mean(0)
	for i, m := range mean {
		if math.IsNaN(m) || math.IsInf(m, 0) {
			t.Errorf("mean[%d] = %g, want a finite value", i, m)
		}
	}
}

// TestChainDriverRunOversampleEndToEnd exercises spec.md §8's oversampling
// scenario: two blocks of equal size (d=2, blocks [[0],[1]]) whose speeds
// give oversampling factors f=[1,4], so effective_max_samples =
// (1*1 + 1*4)/2 = 2.5, and that bound, not MaxSamples, is what ends the
// run end to end.
func TestChainDriverRunOversampleEndToEnd(t *testing.T) {
	params := []Parameter{{Name: "slow", Speed: 1}, {Name: "fast", Speed: 4}}
	prior := fixedPrior{dim: 2, start: []float64{0, 0}, refCov: identityCov(2)}
	post := gaussianPosterior{dim: 2}
	coll := NewInMemoryCollection(2)
	cfg := Config{
		MaxTries: 1000, MaxSamples: 200, ProposeScale: 0.7,
		Oversample:               true,
		CheckEveryDimensionTimes: 40, Rminus1Stop: 0.01, Rminus1CLStop: 0.2, Rminus1CLLevel: 0.05,
	}
	driver, err := NewChainDriver(params, prior, post, coll, NullCommunicator{}, Rand(rand.New(rand.NewSource(8))), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if want := 2.5; driver.effectiveMaxSamples != want {
		t.Fatalf("effectiveMaxSamples = %g, want %g", driver.effectiveMaxSamples, want)
	}
	if err := driver.Run(); err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	// The loop condition is accepted < effectiveMaxSamples=2.5, so it runs
	// until accepted reaches 3 (the first integer exceeding 2.5), not 200.
	if coll.Len() != 3 {
		t.Errorf("collected %d samples, want 3 (ceil of effectiveMaxSamples=2.5)", coll.Len())
	}
}

func TestChainDriverRunReturnsStuckChainError(t *testing.T) {
	params := []Parameter{{Name: "x", Speed: 1}}
	// The reference point itself must have a finite posterior for
	// Reference to succeed; only later proposals are rejected.
	prior := fixedPrior{dim: 1, start: []float64{0}, refCov: identityCov(1)}
	post := stuckPosterior{}
	coll := NewInMemoryCollection(1)
	cfg := Config{
		MaxTries: 5, MaxSamples: 1000, ProposeScale: 1,
		CheckEveryDimensionTimes: 40, Rminus1Stop: 0.01, Rminus1CLStop: 0.2,
	}
	driver, err := NewChainDriver(params, prior, post, coll, NullCommunicator{}, newTestRand(1), cfg)
	if err != nil {
		t.Fatal(err)
	}
	err = driver.Run()
	if _, ok := err.(*StuckChainError); !ok {
		t.Fatalf("Run() error = %v (%T), want *StuckChainError", err, err)
	}
}

// stuckPosterior gives the reference point a finite posterior but rejects
// every other point, so the driver's very first proposal (and every one
// after) is rejected.
type stuckPosterior struct{}

func (stuckPosterior) LogPosterior(x []float64) Evaluation {
	if x[0] == 0 {
		return Evaluation{LogPost: 0}
	}
	return Evaluation{LogPost: math.Inf(-1)}
}
