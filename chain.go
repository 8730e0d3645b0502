package blockedmcmc

import "sort"

// stepperMode selects which acceptance engine ChainDriver.Run uses each
// step: plain Metropolis (used both with no speed hierarchy and with plain
// oversampling, since oversampling only changes the proposer's block
// schedule) or Neal dragging.
type stepperMode int

const (
	modePlain stepperMode = iota
	modeDrag
)

// ChainDriver runs a single chain to completion: it owns the current
// point, the proposer, the collection of accepted samples, and drives the
// checkpoint/convergence/proposal-learning machinery via comm.
type ChainDriver struct {
	cfg      Config
	prior    Prior
	post     Posterior
	coll     Collection
	proposer *BlockedProposer
	comm     Communicator
	tracker  *ConvergenceTracker
	rnd      Rand

	nSlow               int
	effectiveMaxSamples float64
	dragInterpSteps     int
	mode                stepperMode

	current Point
}

// NewChainDriver validates cfg, resolves the plain/oversample/drag mode,
// builds the blocked proposer and its initial covariance, and returns a
// driver ready to Run. params must be ordered however the caller likes;
// blocks are derived by grouping params with equal Speed and ordering the
// resulting blocks slowest-first.
func NewChainDriver(params []Parameter, prior Prior, post Posterior, coll Collection, comm Communicator, rnd Rand, cfg Config) (*ChainDriver, error) {
	if cfg.MaxTries <= 0 {
		return nil, configErrorf(errNonPositiveMaxTry)
	}
	if cfg.Oversample && cfg.Drag {
		return nil, configErrorf(errOversampleAndDrag)
	}

	blocks, speeds := groupBlocksBySpeed(params)
	d := &ChainDriver{
		cfg: cfg, prior: prior, post: post, coll: coll, comm: comm, rnd: rnd,
		tracker: NewConvergenceTracker(),
	}

	var oversamplingFactors []float64
	iLastSlowBlock := -1

	switch {
	case cfg.Oversample:
		oversamplingFactors = make([]float64, len(speeds))
		distinct := map[float64]bool{}
		for i, s := range speeds {
			f := roundHalfAwayFromZero(s / speeds[0])
			oversamplingFactors[i] = f
			distinct[f] = true
		}
		if len(distinct) == 1 {
			return nil, configErrorf(errAllSpeedsEqual)
		}
		total := 0.0
		for i, b := range blocks {
			total += float64(len(b)) * oversamplingFactors[i]
		}
		d.effectiveMaxSamples = total / float64(len(params))
		d.nSlow = len(blocks[0])
		d.mode = modePlain

	case cfg.Drag:
		if cfg.DragNFastTimes > 0 && cfg.DragInterpSteps > 0 {
			return nil, configErrorf(errBothDragModesSet)
		}
		distinctSpeeds := map[float64]bool{}
		for _, s := range speeds {
			distinctSpeeds[s] = true
		}
		if len(distinctSpeeds) == 1 {
			return nil, configErrorf(errAllSpeedsEqual)
		}
		minSpeed, maxSpeed := speeds[0], speeds[0]
		for _, s := range speeds {
			if s < minSpeed {
				minSpeed = s
			}
			if s > maxSpeed {
				maxSpeed = s
			}
		}
		if cfg.MaxSpeedSlow < minSpeed || cfg.MaxSpeedSlow >= maxSpeed {
			return nil, configErrorf(errMaxSpeedSlowBounds)
		}
		for i, s := range speeds {
			if s > cfg.MaxSpeedSlow {
				iLastSlowBlock = i - 1
				break
			}
		}
		nSlow := 0
		for i := 0; i <= iLastSlowBlock; i++ {
			nSlow += len(blocks[i])
		}
		nFast := len(params) - nSlow
		d.nSlow = nSlow
		d.effectiveMaxSamples = float64(cfg.MaxSamples)
		d.dragInterpSteps = cfg.DragInterpSteps
		if cfg.DragNFastTimes > 0 {
			d.dragInterpSteps = int(roundHalfAwayFromZero(float64(cfg.DragNFastTimes) * float64(nFast)))
		}
		d.mode = modeDrag

	default:
		d.nSlow = len(params)
		d.effectiveMaxSamples = float64(cfg.MaxSamples)
		d.mode = modePlain
	}

	proposer, err := NewBlockedProposer(blocks, oversamplingFactors, iLastSlowBlock, cfg.ProposeScale, rnd)
	if err != nil {
		return nil, err
	}
	sigma, operationalMax, err := AssembleCovariance(params, prior, cfg.Covmat, cfg.LearnProposalRminus1Max, cfg.LearnProposalRminus1MaxEarly)
	if err != nil {
		return nil, err
	}
	if err := proposer.SetCovariance(sigma); err != nil {
		return nil, err
	}
	d.cfg.LearnProposalRminus1Max = operationalMax
	d.proposer = proposer
	return d, nil
}

// groupBlocksBySpeed partitions parameter indices into blocks of equal
// Speed, returning the blocks and their speeds ordered slowest-first.
func groupBlocksBySpeed(params []Parameter) ([]Block, []float64) {
	order := make([]float64, 0)
	seen := make(map[float64]int)
	var blocks []Block
	for i, p := range params {
		if gi, ok := seen[p.Speed]; ok {
			blocks[gi] = append(blocks[gi], i)
			continue
		}
		seen[p.Speed] = len(blocks)
		blocks = append(blocks, Block{i})
		order = append(order, p.Speed)
	}
	idx := make([]int, len(order))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return order[idx[a]] < order[idx[b]] })
	sortedBlocks := make([]Block, len(blocks))
	sortedSpeeds := make([]float64, len(blocks))
	for newPos, oldPos := range idx {
		sortedBlocks[newPos] = blocks[oldPos]
		sortedSpeeds[newPos] = order[oldPos]
	}
	return sortedBlocks, sortedSpeeds
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return float64(int64(x + 0.5))
	}
	return float64(int64(x - 0.5))
}

// Prior implements SamplerView.
func (d *ChainDriver) Prior() Prior { return d.prior }

// Posterior implements SamplerView.
func (d *ChainDriver) Posterior() Posterior { return d.post }

// Collection implements SamplerView.
func (d *ChainDriver) Collection() Collection { return d.coll }

// Run drives the chain to completion: burn-in, the accept/reject loop,
// checkpointed convergence checking and proposal learning, and callback
// dispatch, following original_source's run()/process_accept_or_reject().
// It returns a *StuckChainError if the chain rejects MaxTries consecutive
// proposals, or any error from the convergence/proposal-learning machinery.
//
// With a single-chain communicator (Size() == 1) convergence is never
// declared, so such a run ends only when the accepted-sample bound is
// reached, or on an error.
func (d *ChainDriver) Run() error {
	initial, err := d.prior.Reference(d.post, d.rnd, d.cfg.MaxTries)
	if err != nil {
		return err
	}
	initial.Weight = 1
	d.current = initial

	burnInLeft := d.cfg.BurnIn + 1
	accepted := 0

	for float64(accepted) < d.effectiveMaxSamples && !d.tracker.Converged {
		var trial Point
		var accept bool
		if d.mode == modeDrag {
			trial, accept = dragStep(d.post, d.proposer, d.current, d.dragInterpSteps, d.rnd)
		} else {
			trial, accept = metropolisStep(d.post, d.proposer, d.current, d.rnd)
		}

		if accept {
			if burnInLeft <= 0 {
				d.coll.Add(d.current)
				accepted++
				if d.cfg.OutputEvery > 0 && accepted%d.cfg.OutputEvery == 0 {
					if err := d.coll.Flush(); err != nil {
						return err
					}
				}
			} else {
				burnInLeft--
				if burnInLeft == 0 {
					logf(d.cfg.Logger, "blockedmcmc: finished burn-in: discarded %d accepted steps", d.cfg.BurnIn)
				}
			}
			trial.Weight = 1
			d.current = trial
		} else {
			d.current.Weight++
			debugf(&d.cfg, "blockedmcmc: proposal rejected; current point weight is now %d", d.current.Weight)
			if d.current.Weight > d.cfg.MaxTries {
				if err := d.coll.Flush(); err != nil {
					return err
				}
				return &StuckChainError{Tries: d.cfg.MaxTries}
			}
		}

		if d.cfg.Callback != nil && d.cfg.CallbackEvery > 0 &&
			max(accepted, 1)%d.cfg.CallbackEvery == 0 && d.current.Weight == 1 {
			d.cfg.Callback.OnNewSample(d)
		}

		ready := atCheckpoint(accepted, d.cfg.CheckEveryDimensionTimes, d.nSlow, d.current.Weight)
		var stats ChainStats
		if ready {
			stats = d.trailingHalfStats(accepted)
		}
		if all, ok := d.comm.Poll(ready, stats); ok {
			logf(d.cfg.Logger, "blockedmcmc: checkpoint: %d samples accepted", accepted)
			if err := CheckConvergenceAndLearnProposal(d.comm, d.proposer, all, &d.cfg, d.tracker); err != nil {
				return err
			}
		}
	}
	if err := d.coll.Flush(); err != nil {
		return err
	}
	logf(d.cfg.Logger, "blockedmcmc: sampling complete after %d accepted steps", accepted)
	return nil
}

func (d *ChainDriver) trailingHalfStats(n int) ChainStats {
	first := n / 2
	mean := d.coll.Mean(first)
	cov := d.coll.Cov(first)
	dim := len(mean)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	level := d.cfg.Rminus1CLLevel / 2
	for i := 0; i < dim; i++ {
		lower[i] = d.coll.Confidence(first, i, level, false)
		upper[i] = d.coll.Confidence(first, i, level, true)
	}
	return ChainStats{Mean: mean, Cov: cov, N: n - first, TotalN: n, LowerBound: lower, UpperBound: upper}
}
