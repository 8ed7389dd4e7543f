// Package mono supplies the monotonic-clock instant type the LRU and
// managed-file lifecycle use as their time currency, mirroring aistore's
// cmn/mono package (referenced from fs/mountfs.go's mono.NanoTime() calls).
// Using a monotonic source here matters: last_access comparisons and
// cooldown deadlines must never go backwards under an NTP step.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds since the Unix epoch: the wall clock is read
// once at package initialization and the monotonic clock advances it from
// there, so readings never go backwards and compare directly against
// time.Time.UnixNano values (the LRU origin, reconstructed mtimes).
func NanoTime() int64 {
	return start.UnixNano() + int64(time.Since(start))
}

// Since converts a NanoTime reading into a time.Duration elapsed since it
// was taken.
func Since(t int64) time.Duration {
	return time.Duration(NanoTime() - t)
}
