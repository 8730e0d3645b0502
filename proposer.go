package blockedmcmc

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GaussianMixtureWeight is the default probability that a proposal step
// length is drawn from a half-Gaussian rather than an Exp(1); the
// remainder makes the proposal more robust to a misestimated scale than a
// pure Gaussian proposal would be (spec.md §4.2).
const GaussianMixtureWeight = 0.5

// BlockedProposer draws trial moves in the full, slow-only, or fast-only
// subspaces of a speed-ordered, blocked parameter space. Proposals are
// symmetric (q(x->y) = q(y->x)), which is what lets the acceptance engines
// skip the Hastings ratio.
type BlockedProposer struct {
	blocks         []Block
	iLastSlowBlock int // index of the last slow block, or -1 if all blocks are fast
	dim            int

	oversamplingFactors []float64
	proposeScale        float64
	mixtureWeight       float64
	rnd                 Rand

	sigma  *mat.SymDense
	chols  []mat.Cholesky // per-block Cholesky of Sigma_BB
	shifts [][]*mat.Dense // shifts[b][bp] = Sigma_{B,B'} * L_{B'}^-T, nil when bp >= b; applied to a whitened B' delta it gives Sigma_{B,B'} * Sigma_{B',B'}^-1 * Delta

	full schedule
	slow schedule
	fast schedule
}

// schedule implements smooth weighted round-robin block selection (the
// algorithm used by nginx's smooth-weighted load balancer): each call adds
// every candidate's weight to its running credit, then picks and debits the
// candidate with the largest credit. Over many calls each candidate i is
// selected in proportion to its weight, with no long bursts of the same
// candidate in a row.
type schedule struct {
	blockIdx []int // indices into BlockedProposer.blocks
	weight   []float64
	credit   []float64
}

func newSchedule(blockIdx []int, weight []float64) schedule {
	return schedule{
		blockIdx: blockIdx,
		weight:   append([]float64(nil), weight...),
		credit:   make([]float64, len(blockIdx)),
	}
}

func (s *schedule) next() int {
	if len(s.blockIdx) == 1 {
		return s.blockIdx[0]
	}
	best, total := 0, 0.0
	for i := range s.credit {
		s.credit[i] += s.weight[i]
		total += s.weight[i]
		if s.credit[i] > s.credit[best] {
			best = i
		}
	}
	s.credit[best] -= total
	return s.blockIdx[best]
}

// NewBlockedProposer builds a proposer over the given slowest-first blocks.
// oversamplingFactors, if non-nil, must have one entry per block and
// defaults to all-1 otherwise. iLastSlowBlock selects the slow prefix used
// by GetProposalSlow/GetProposalFast; pass -1 if there is no speed
// hierarchy (GetProposalSlow/GetProposalFast must not be called in that
// case).
func NewBlockedProposer(blocks []Block, oversamplingFactors []float64, iLastSlowBlock int, proposeScale float64, rnd Rand) (*BlockedProposer, error) {
	if len(blocks) == 0 {
		return nil, configErrorf(errEmptyBlocks)
	}
	dim := 0
	for _, b := range blocks {
		dim += len(b)
	}
	factors := oversamplingFactors
	if factors == nil {
		factors = make([]float64, len(blocks))
		for i := range factors {
			factors[i] = 1
		}
	}
	if len(factors) != len(blocks) {
		return nil, configErrorf(errDimMismatch)
	}

	allIdx := make([]int, len(blocks))
	for i := range allIdx {
		allIdx[i] = i
	}

	p := &BlockedProposer{
		blocks:              blocks,
		iLastSlowBlock:      iLastSlowBlock,
		dim:                 dim,
		oversamplingFactors: factors,
		proposeScale:        proposeScale,
		mixtureWeight:       GaussianMixtureWeight,
		rnd:                 rnd,
		full:                newSchedule(allIdx, factors),
	}
	if iLastSlowBlock >= 0 {
		slowIdx := allIdx[:iLastSlowBlock+1]
		fastIdx := allIdx[iLastSlowBlock+1:]
		p.slow = newSchedule(slowIdx, factors[:iLastSlowBlock+1])
		p.fast = newSchedule(fastIdx, factors[iLastSlowBlock+1:])
	}
	return p, nil
}

// SetCovariance replaces the proposal covariance and recomputes the
// per-block Cholesky factors and the conditional-shift matrices used to
// propagate a block's perturbation into the expected value of every later
// block (spec.md §4.2).
func (p *BlockedProposer) SetCovariance(sigma *mat.SymDense) error {
	if sigma.SymmetricDim() != p.dim {
		return configErrorf(errDimMismatch)
	}
	p.sigma = sigma
	p.chols = make([]mat.Cholesky, len(p.blocks))
	p.shifts = make([][]*mat.Dense, len(p.blocks))

	for bi, b := range p.blocks {
		sub := p.subSym(b, b)
		if !p.chols[bi].Factorize(sub) {
			return configErrorf("blockedmcmc: proposal covariance is not positive-definite on block %d", bi)
		}
	}
	for bi, b := range p.blocks {
		p.shifts[bi] = make([]*mat.Dense, len(p.blocks))
		for bpi := 0; bpi < bi; bpi++ {
			bp := p.blocks[bpi]
			sigmaBpB := p.subDense(bp, b) // |B'| x |B|
			var x mat.Dense
			if err := x.Solve(p.chols[bpi].RawU().T(), sigmaBpB); err != nil {
				// Sigma_B'B' just factorized successfully, so this solve is
				// not expected to fail; if it does, report it.
				return configErrorf("blockedmcmc: conditional shift solve failed on blocks (%d,%d): %v", bi, bpi, err)
			}
			shift := mat.NewDense(len(b), len(bp), nil)
			shift.CloneFrom(x.T())
			p.shifts[bi][bpi] = shift
		}
	}
	return nil
}

// subSym extracts the |rows| x |rows| submatrix Sigma_{rows,rows}.
func (p *BlockedProposer) subSym(rows, cols Block) *mat.SymDense {
	n := len(rows)
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, p.sigma.At(rows[i], cols[j]))
		}
	}
	return s
}

// subDense extracts the |rows| x |cols| (possibly non-square) submatrix.
func (p *BlockedProposer) subDense(rows, cols Block) *mat.Dense {
	d := mat.NewDense(len(rows), len(cols), nil)
	for i, ri := range rows {
		for j, cj := range cols {
			d.Set(i, j, p.sigma.At(ri, cj))
		}
	}
	return d
}

// stepLength draws a step length from the Gaussian/exponential mixture:
// with probability mixtureWeight a half-Gaussian |N(0,1)|, otherwise an
// Exp(1). This is more robust to a misestimated proposal scale than a pure
// Gaussian step.
func (p *BlockedProposer) stepLength() float64 {
	if p.rnd.Float64() < p.mixtureWeight {
		return math.Abs(p.rnd.NormFloat64())
	}
	return p.rnd.ExpFloat64()
}

// direction draws a unit vector uniformly on the unit sphere in n
// dimensions (normalizing a standard-normal vector).
func (p *BlockedProposer) direction(n int) []float64 {
	d := make([]float64, n)
	for i := range d {
		d[i] = p.rnd.NormFloat64()
	}
	norm := floats.Norm(d, 2)
	if norm == 0 {
		d[0] = 1
		return d
	}
	floats.Scale(1/norm, d)
	return d
}

// perturbBlock draws s*L_B*(r*d) and adds it to x at the indices of block
// bi, returning s*r*d: the same perturbation in the block's whitened
// coordinates (before L_B is applied), which is what the shifts matrices
// act on when callers propagate correlated shifts with it.
func (p *BlockedProposer) perturbBlock(x []float64, bi int) []float64 {
	b := p.blocks[bi]
	n := len(b)
	dir := p.direction(n)
	r := p.stepLength()
	raw := mat.NewVecDense(n, dir)
	raw.ScaleVec(r, raw)

	scaled := mat.NewVecDense(n, nil)
	scaled.MulVec(p.chols[bi].RawU().T(), raw)
	for i, idx := range b {
		x[idx] += p.proposeScale * scaled.AtVec(i)
	}

	delta := make([]float64, n)
	for i := range delta {
		delta[i] = p.proposeScale * raw.AtVec(i)
	}
	return delta
}

// propagateShift applies the conditional-mean shift induced by a delta on
// block bi to every later block, so that a slow-block proposal moves faster
// parameters along their conditional expectation and the joint covariance
// structure across blocks is preserved.
func (p *BlockedProposer) propagateShift(x []float64, bi int, delta []float64) {
	dv := mat.NewVecDense(len(delta), delta)
	for bj := bi + 1; bj < len(p.blocks); bj++ {
		shift := p.shifts[bj][bi]
		if shift == nil {
			continue
		}
		out := mat.NewVecDense(len(p.blocks[bj]), nil)
		out.MulVec(shift, dv)
		for i, idx := range p.blocks[bj] {
			x[idx] += out.AtVec(i)
		}
	}
}

// GetProposal perturbs x in place: it selects one block by the oversampling
// schedule and applies a blocked proposal step, propagating the correlated
// shift to every later block.
func (p *BlockedProposer) GetProposal(x []float64) {
	bi := p.full.next()
	delta := p.perturbBlock(x, bi)
	p.propagateShift(x, bi, delta)
}

// GetProposalSlow restricts block selection to the slow prefix
// 0..iLastSlowBlock and propagates the correlated shift into the fast
// blocks too.
func (p *BlockedProposer) GetProposalSlow(x []float64) {
	if p.iLastSlowBlock < 0 {
		panic("blockedmcmc: GetProposalSlow called without a slow/fast split")
	}
	bi := p.slow.next()
	delta := p.perturbBlock(x, bi)
	p.propagateShift(x, bi, delta)
}

// GetProposalFast writes a fast-only perturbation into delta (which must be
// zeroed by the caller and have length equal to the full dimension); it
// selects only blocks beyond iLastSlowBlock and does not propagate any
// shift to the slow blocks.
func (p *BlockedProposer) GetProposalFast(delta []float64) {
	if p.iLastSlowBlock < 0 {
		panic("blockedmcmc: GetProposalFast called without a slow/fast split")
	}
	bi := p.fast.next()
	p.perturbBlock(delta, bi)
}

// Dim returns the full dimension of the sampled-parameter space.
func (p *BlockedProposer) Dim() int { return p.dim }
