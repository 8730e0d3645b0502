package blockedmcmc

import "math"

// metropolisAccept implements the Metropolis accept/reject test of
// spec.md §4.3: a trial is always rejected if its log-posterior is
// non-finite, always accepted if it does not make things worse, and
// otherwise accepted with probability exp(-(logPostCurrent-logPostTrial)),
// drawn by comparing an Exp(1) variate against the log-posterior drop
// rather than exponentiating and comparing to a uniform draw (the same
// test, without the exponentiation, per original_source's
// metropolis_accept).
func metropolisAccept(logPostTrial, logPostCurrent float64, rnd Rand) bool {
	if math.IsInf(logPostTrial, 0) || math.IsNaN(logPostTrial) {
		return false
	}
	if logPostTrial >= logPostCurrent {
		return true
	}
	return rnd.ExpFloat64() > (logPostCurrent - logPostTrial)
}
