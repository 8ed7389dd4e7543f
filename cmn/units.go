// Package cmn provides common low-level types and utilities shared by the
// cache engine and its surrounding adapters: size units, the status/error
// vocabulary, configuration, and a handful of small concurrency helpers.
package cmn

// Byte-size units, reused everywhere a size or a capacity budget is spelled
// out (cache root capacity, download buffer size, retry tunables).
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)
