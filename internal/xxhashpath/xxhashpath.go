// Package xxhashpath computes a stable 64-bit digest for a local cache
// path, used by the batch scheduler to shard work.
// Grounded on aistore's fs/mountfs.go, which seeds every PathDigest with
// xxhash.ChecksumString64S.
package xxhashpath

import "github.com/OneOfOne/xxhash"

// seed mirrors aistore's use of a fixed non-zero multiplicative-congruential
// constant rather than 0, so the digest of an empty path isn't 0.
const seed = 0x5bd1e995

// Digest returns a stable 64-bit digest of path.
func Digest(path string) uint64 {
	return xxhash.ChecksumString64S(path, seed)
}

// Shard maps path to one of n shards, n > 0, by digest modulo n — the
// scheme internal/batch uses to spread a large Prepare request's files
// across worker goroutines deterministically.
func Shard(path string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(Digest(path) % uint64(n))
}
