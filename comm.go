package blockedmcmc

import "gonum.org/v1/gonum/mat"

// ChainStats is the per-chain trailing-half summary statistic exchanged by
// an all-gather: the chain's (sub-)sample mean and covariance over its
// second half, and how many samples that half held.
type ChainStats struct {
	Mean       []float64
	Cov        *mat.SymDense
	N          int // size of the trailing half the statistics were computed over
	TotalN     int // total accepted samples in the chain at the time of the checkpoint
	LowerBound []float64 // per-parameter lower confidence bound, second half of the chain
	UpperBound []float64 // per-parameter upper confidence bound, second half of the chain
}

// Communicator stands in for the MPI communicator of a distributed-memory
// implementation: a set of parallel chains exchange the statistics needed
// for Gelman-Rubin convergence checking (AllGather) and agree on whether to
// learn a new proposal covariance and what it should be (Broadcast). A
// single-chain run uses NullCommunicator; several chains running as
// goroutines in the same process use ChannelCommunicator.
type Communicator interface {
	Rank() int
	Size() int
	// AllGather exchanges this chain's stats with every other chain's and
	// returns all of them, indexed by rank. It blocks until every rank in
	// the communicator has called it.
	AllGather(stats ChainStats) []ChainStats
	// Broadcast distributes rank 0's sigma to every rank (the value passed
	// by ranks other than 0 is ignored). It blocks until every rank in the
	// communicator has called it.
	Broadcast(sigma *mat.SymDense) *mat.SymDense
	// Poll is a non-blocking readiness rendezvous: every chain calls it once
	// per main-loop iteration with its own current readiness and stats. A
	// ready=true call offers that rank's stats for the current round, and
	// the offer stands until the round completes (a later ready=false call
	// does not withdraw it), so the offers need not coincide in time. The
	// call that completes the set of offers returns ok=true with every
	// rank's offered stats, and so does the next call of each other rank;
	// every other call returns ok=false. This mirrors the reference
	// implementation's asynchronous Iallgather-based readiness ping, without
	// chains blocking on one another between checkpoints.
	Poll(ready bool, stats ChainStats) (all []ChainStats, ok bool)
	// BroadcastConvergence distributes rank 0's convergence verdict to every
	// rank (the value passed by ranks other than 0 is ignored), the same
	// way Broadcast distributes a covariance matrix.
	BroadcastConvergence(s ConvergenceState) ConvergenceState
}

// ConvergenceState is the scalar verdict rank 0 computes each checkpoint
// and shares with every other chain: whether R-1 was computable this
// round, its value, and whether the run has converged.
type ConvergenceState struct {
	HaveRminus1 bool
	Rminus1     float64
	Converged   bool
}

// NullCommunicator is the single-chain Communicator: convergence across
// chains is never checked (spec.md §9), and a broadcast is a no-op
// returning the value passed in.
type NullCommunicator struct{}

func (NullCommunicator) Rank() int                               { return 0 }
func (NullCommunicator) Size() int                               { return 1 }
func (NullCommunicator) AllGather(stats ChainStats) []ChainStats    { return []ChainStats{stats} }
func (NullCommunicator) Broadcast(sigma *mat.SymDense) *mat.SymDense { return sigma }
func (NullCommunicator) Poll(ready bool, stats ChainStats) ([]ChainStats, bool) {
	if !ready {
		return nil, false
	}
	return []ChainStats{stats}, true
}
func (NullCommunicator) BroadcastConvergence(s ConvergenceState) ConvergenceState { return s }

// commGroup is the shared coordinator behind a set of ChannelCommunicators:
// one long-lived goroutine per collective operation. The AllGather,
// Broadcast and BroadcastConvergence goroutines each read exactly size
// requests before replying to all of them at once; the Poll goroutine
// replies to each request as it arrives. This mirrors the
// teacher's channel-driven Run(operation chan<-, result <-chan) loop,
// adapted from driving a single worker to rendezvousing a fixed group of
// peers.
type commGroup struct {
	size     int
	gatherIn     chan gatherMsg
	bcastIn      chan bcastMsg
	pollIn       chan pollMsg
	convBcastIn  chan convBcastMsg
}

type pollMsg struct {
	rank  int
	ready bool
	stats ChainStats
	resp  chan pollResp
}

type pollResp struct {
	all []ChainStats
	ok  bool
}

type gatherMsg struct {
	rank  int
	stats ChainStats
	done  chan []ChainStats
}

type bcastMsg struct {
	rank  int
	sigma *mat.SymDense
	done  chan *mat.SymDense
}

type convBcastMsg struct {
	rank  int
	state ConvergenceState
	done  chan ConvergenceState
}

// ChannelCommunicator is a Communicator for chains running as goroutines
// within a single process, synchronized over channels instead of MPI.
type ChannelCommunicator struct {
	rank  int
	group *commGroup
}

// NewChannelCommunicators builds a group of n ChannelCommunicators, one per
// chain, ranked 0..n-1. Every AllGather/Broadcast call on any of them must
// eventually be matched by a call from every other member of the group, or
// the group deadlocks waiting for the missing rank — the same contract an
// MPI communicator imposes on its collectives.
func NewChannelCommunicators(n int) []*ChannelCommunicator {
	g := &commGroup{
		size:        n,
		gatherIn:    make(chan gatherMsg, n),
		bcastIn:     make(chan bcastMsg, n),
		pollIn:      make(chan pollMsg, n),
		convBcastIn: make(chan convBcastMsg, n),
	}
	go g.runGather()
	go g.runBroadcast()
	go g.runPoll()
	go g.runConvergenceBroadcast()
	comms := make([]*ChannelCommunicator, n)
	for i := range comms {
		comms[i] = &ChannelCommunicator{rank: i, group: g}
	}
	return comms
}

func (g *commGroup) runGather() {
	for {
		pending := make([]gatherMsg, 0, g.size)
		for len(pending) < g.size {
			pending = append(pending, <-g.gatherIn)
		}
		out := make([]ChainStats, g.size)
		for _, m := range pending {
			out[m.rank] = m.stats
		}
		for _, m := range pending {
			m.done <- out
		}
	}
}

func (g *commGroup) runBroadcast() {
	for {
		pending := make([]bcastMsg, 0, g.size)
		for len(pending) < g.size {
			pending = append(pending, <-g.bcastIn)
		}
		var chosen *mat.SymDense
		for _, m := range pending {
			if m.rank == 0 {
				chosen = m.sigma
			}
		}
		for _, m := range pending {
			m.done <- chosen
		}
	}
}

func (g *commGroup) runPoll() {
	ready := make([]bool, g.size)
	latest := make([]ChainStats, g.size)
	// pending[i] is armed for every rank other than the one whose call
	// completed a round, so that each of their own next calls - whatever
	// readiness they report then - is the one that actually delivers that
	// round's result. Without this, only the single call that happens to
	// observe every rank ready would ever get ok=true; every other rank,
	// having already been told ok=false on an earlier call, would have no
	// way to learn the round completed and would stall forever at the
	// Broadcast/BroadcastConvergence barrier CheckConvergenceAndLearnProposal
	// makes right after a successful Poll.
	pending := make([]bool, g.size)
	var result []ChainStats

	for m := range g.pollIn {
		// A rank's readiness is sticky: once reported, it stays offered
		// until the round completes, even if that rank's own loop moves
		// past its single checkpoint iteration before the others catch up.
		// Only a ready=true call can set it; a later ready=false call from
		// the same rank must not retract an earlier offer.
		if m.ready {
			ready[m.rank] = true
			latest[m.rank] = m.stats
		}
		if pending[m.rank] {
			pending[m.rank] = false
			m.resp <- pollResp{all: result, ok: true}
			continue
		}
		allReady := true
		for _, r := range ready {
			if !r {
				allReady = false
				break
			}
		}
		if !allReady {
			m.resp <- pollResp{ok: false}
			continue
		}
		result = append([]ChainStats(nil), latest...)
		for i := range pending {
			pending[i] = i != m.rank
		}
		for i := range ready {
			ready[i] = false
		}
		m.resp <- pollResp{all: result, ok: true}
	}
}

func (c *ChannelCommunicator) Poll(ready bool, stats ChainStats) ([]ChainStats, bool) {
	resp := make(chan pollResp, 1)
	c.group.pollIn <- pollMsg{rank: c.rank, ready: ready, stats: stats, resp: resp}
	r := <-resp
	return r.all, r.ok
}

func (g *commGroup) runConvergenceBroadcast() {
	for {
		pending := make([]convBcastMsg, 0, g.size)
		for len(pending) < g.size {
			pending = append(pending, <-g.convBcastIn)
		}
		var chosen ConvergenceState
		for _, m := range pending {
			if m.rank == 0 {
				chosen = m.state
			}
		}
		for _, m := range pending {
			m.done <- chosen
		}
	}
}

func (c *ChannelCommunicator) BroadcastConvergence(s ConvergenceState) ConvergenceState {
	done := make(chan ConvergenceState, 1)
	c.group.convBcastIn <- convBcastMsg{rank: c.rank, state: s, done: done}
	return <-done
}

func (c *ChannelCommunicator) Rank() int { return c.rank }
func (c *ChannelCommunicator) Size() int { return c.group.size }

func (c *ChannelCommunicator) AllGather(stats ChainStats) []ChainStats {
	done := make(chan []ChainStats, 1)
	c.group.gatherIn <- gatherMsg{rank: c.rank, stats: stats, done: done}
	return <-done
}

func (c *ChannelCommunicator) Broadcast(sigma *mat.SymDense) *mat.SymDense {
	done := make(chan *mat.SymDense, 1)
	c.group.bcastIn <- bcastMsg{rank: c.rank, sigma: sigma, done: done}
	return <-done
}
