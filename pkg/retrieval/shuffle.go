package retrieval

import "crypto/rand"

// shuffleAddresses is a Fisher-Yates shuffle seeded from crypto/rand, giving
// join_policy's "shuffled, first success wins" proxy order (spec §4.4)
// without a process-wide RNG singleton (spec §9).
func shuffleAddresses(addrs [][20]byte) {
	for i := len(addrs) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
}

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int(v % uint64(n))
}
