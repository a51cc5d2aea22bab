// Package assign maps each account to exactly one IMAP worker and keeps
// that invariant across worker churn, account churn and reconnect storms.
package assign

import (
	"github.com/cespare/xxhash/v2"
)

// pick returns the worker owning account under rendezvous (highest random
// weight) hashing: every (worker, account) pair is hashed and the worker
// with the highest score wins. When the worker set changes, only accounts
// whose top-ranked worker moved are reassigned — no ring maintenance, no
// coordination.
//
// Score ties are broken by the lexicographically smallest worker id so the
// choice is deterministic across processes.
func pick(workers []string, account string) string {
	var (
		best      string
		bestScore uint64
		found     bool
	)
	for _, w := range workers {
		score := weight(w, account)
		switch {
		case !found || score > bestScore:
			best, bestScore, found = w, score, true
		case score == bestScore && w < best:
			best = w
		}
	}
	return best
}

func weight(worker, account string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(worker)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(account)
	return h.Sum64()
}
