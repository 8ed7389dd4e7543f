// Package lru implements the age-bucketed LRU and lifespan manager
// (spec.md §3.4, §3.5, §4.2): O(1) promote-on-touch via coarse time
// buckets, and bucket-sweep eviction when a byte budget is exceeded.
//
// Grounded on aistore's lru/lru.go for the overall "eviction is driven by
// a capacity watermark, runs as a background sweep, never evicts pinned
// content" shape, generalized from aistore's single min-heap-per-mountpath
// sweep into the bucketed structure spec.md requires so that touches are
// O(1) instead of O(log n) heap fixups. Bucket/file back-pointer avoidance
// follows this repo's own Design Notes: a file carries only a bucket key,
// never a pointer into the bucket.
package lru

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dfscache/dfscache/cmn/mono"
	"github.com/dfscache/dfscache/managedfile"
)

// safetyCapBuckets bounds pathological bucket-count growth (e.g. a
// misconfigured slice duration of a few milliseconds); past this the
// sweep gives up on incremental eviction and clears the index instead,
// per spec.md §4.2 step 5.
const safetyCapBuckets = 5000

// tombstoneReapThreshold is the soft-minus-hard item gap that triggers
// IndexRebuild, modeling the "dead weak references piling up" condition
// spec.md's Design Notes describe; this implementation never actually
// leaves stale entries reachable (Drop removes them synchronously), so
// IndexRebuild here only reconciles the soft counter.
const tombstoneReapThreshold = 200

type bucket struct {
	start, stop int64 // mono.NanoTime bounds; stop is open (0) until closed
	list         *list.List
}

// DropFunc performs the physical delete of a file's local bytes. It is
// invoked outside the LRU's lock, per spec.md §5's "must not call back
// into file I/O while holding the lock".
type DropFunc func(f *managedfile.File) error

// LRU is the age-bucketed eviction engine described in spec.md §3.5.
type LRU struct {
	mu sync.Mutex

	origin        int64
	sliceDuration time.Duration
	buckets       map[int64]*bucket
	bucketKeys    []int64 // ascending, oldest first
	currentBucket int64

	elements map[string]*list.Element // LocalPath -> list element

	capacityLimit   int64
	currentCapacity atomic.Int64
	hardItemCount   atomic.Int64
	softItemCount   atomic.Int64

	// Validity is the external validity predicate spec.md §4.2 step 5
	// refers to; nil means "always valid". Nothing in this repository
	// sets it, so by default every sweep treats the index as valid.
	Validity func() bool

	evictInterval time.Duration
	lastEvictAt   atomic.Int64

	drop DropFunc
}

// New builds an LRU rooted at origin (the oldest accepted last_access),
// with the given age-bucket width, byte budget, and physical-delete
// callback.
func New(origin time.Time, sliceDuration time.Duration, capacityLimit int64, evictInterval time.Duration, drop DropFunc) *LRU {
	return &LRU{
		origin:        origin.UnixNano(),
		sliceDuration: sliceDuration,
		buckets:       make(map[int64]*bucket),
		elements:      make(map[string]*list.Element),
		capacityLimit: capacityLimit,
		evictInterval: evictInterval,
		drop:          drop,
	}
}

func (l *LRU) key(lastAccess int64) int64 {
	if l.sliceDuration <= 0 {
		return 0
	}
	return (lastAccess - l.origin) / int64(l.sliceDuration)
}

func (l *LRU) CurrentCapacity() int64 { return l.currentCapacity.Load() }
func (l *LRU) CapacityLimit() int64   { return l.capacityLimit }

func (l *LRU) SetCapacityLimit(n int64) { l.capacityLimit = n }

// bucketFor returns (creating if needed) the bucket for key k. Caller must
// hold l.mu.
func (l *LRU) bucketFor(k int64) *bucket {
	b, ok := l.buckets[k]
	if ok {
		return b
	}
	b = &bucket{start: l.origin + k*int64(l.sliceDuration), list: list.New()}
	l.buckets[k] = b
	l.insertBucketKeySorted(k)
	if k > l.currentBucket {
		l.currentBucket = k
	}
	return b
}

func (l *LRU) insertBucketKeySorted(k int64) {
	i := 0
	for ; i < len(l.bucketKeys); i++ {
		if l.bucketKeys[i] > k {
			break
		}
	}
	l.bucketKeys = append(l.bucketKeys, 0)
	copy(l.bucketKeys[i+1:], l.bucketKeys[i:])
	l.bucketKeys[i] = k
}

func (l *LRU) removeBucketKey(k int64) {
	for i, bk := range l.bucketKeys {
		if bk == k {
			l.bucketKeys = append(l.bucketKeys[:i], l.bucketKeys[i+1:]...)
			return
		}
	}
}

// Admit assigns f to the bucket matching its current last_access,
// rejecting timestamps older than origin (spec.md §4.2's Admit contract).
// On success the file's size_local is folded into current_capacity and it
// is wired to receive future size-change notifications.
func (l *LRU) Admit(f *managedfile.File) bool {
	la := f.LastAccess()
	if la < l.origin {
		return false
	}
	l.mu.Lock()
	k := l.key(la)
	b := l.bucketFor(k)
	el := b.list.PushFront(f)
	l.elements[f.LocalPath] = el
	f.BucketKey.Store(k)
	l.mu.Unlock()

	f.SetSizeChangeSubscriber(func(delta int64) { l.currentCapacity.Add(delta) })
	l.currentCapacity.Add(f.SizeLocal())
	l.hardItemCount.Add(1)
	l.softItemCount.Add(1)
	return true
}

// Touch re-examines f's last_access and, if it now falls outside the
// bucket it currently occupies, splices it into the right one — lazily,
// i.e. only on the touch that crosses the slice boundary, never eagerly.
func (l *LRU) Touch(f *managedfile.File) {
	newKey := l.key(f.LastAccess())
	l.mu.Lock()
	defer l.mu.Unlock()

	oldKey := f.BucketKey.Load()
	el, ok := l.elements[f.LocalPath]
	if !ok {
		return // not tracked (e.g. concurrently evicted)
	}
	if oldKey == newKey {
		if ob, ok := l.buckets[oldKey]; ok {
			ob.list.MoveToFront(el)
		}
		return
	}
	if ob, ok := l.buckets[oldKey]; ok {
		ob.list.Remove(el)
		if ob.list.Len() == 0 {
			delete(l.buckets, oldKey)
			l.removeBucketKey(oldKey)
		}
	}
	nb := l.bucketFor(newKey)
	l.elements[f.LocalPath] = nb.list.PushFront(f)
	f.BucketKey.Store(newKey)
}

// Find looks up localPath and pins the file if present, retrying the
// whole lookup when the file is mid-finalization (spec.md §4.2's Find
// contract: "if pinning fails because the file is MarkedForDeletion, wait
// on the file's finalization condition and retry the lookup from
// scratch"). The returned bool is whether the file both exists and is
// usable (pinned); a Forbidden file still in the index but not pinnable
// right now is returned with ok=false so the caller can decide to resync.
func (l *LRU) Find(localPath string) (f *managedfile.File, ok bool) {
	for {
		l.mu.Lock()
		el, present := l.elements[localPath]
		l.mu.Unlock()
		if !present {
			return nil, false
		}
		f = el.Value.(*managedfile.File)
		if f.Pin() {
			return f, true
		}
		if f.State() == managedfile.MarkedForDeletion {
			f.AwaitFinalization()
			continue
		}
		return f, false
	}
}

// removeLocked unconditionally drops the bookkeeping for localPath. Caller must
// hold l.mu.
func (l *LRU) removeLocked(localPath string, key int64) {
	el, ok := l.elements[localPath]
	if !ok {
		return
	}
	delete(l.elements, localPath)
	if b, ok := l.buckets[key]; ok {
		b.list.Remove(el)
		if b.list.Len() == 0 {
			delete(l.buckets, key)
			l.removeBucketKey(key)
		}
	}
}

// EvictResult reports the outcome of a sweep.
type EvictResult struct {
	BytesFreed int64
	FilesDropped int
	Partial      bool // true if the budget could not be met (all candidates pinned, or the sole-file guard applied)
}

// EvictToBudget runs the bucket sweep described in spec.md §4.2: oldest
// bucket first, oldest access within a bucket first, never touching file
// I/O while holding the lock, and never evicting the sole file in the
// sole bucket.
func (l *LRU) EvictToBudget() EvictResult {
	l.mu.Lock()

	if len(l.bucketKeys) > safetyCapBuckets || (l.Validity != nil && !l.Validity()) {
		res := l.clearLocked()
		l.mu.Unlock()
		return res
	}

	type candidate struct {
		f   *managedfile.File
		key int64
		sz  int64
	}
	var toDrop []candidate
	var toDemote []*managedfile.File

	totalFiles := 0
	for _, b := range l.buckets {
		totalFiles += b.list.Len()
	}

	for _, k := range append([]int64(nil), l.bucketKeys...) {
		if l.currentCapacity.Load() <= l.capacityLimit {
			break
		}
		b, ok := l.buckets[k]
		if !ok {
			continue
		}
		for e := b.list.Back(); e != nil; {
			if l.currentCapacity.Load() <= l.capacityLimit {
				break
			}
			prev := e.Prev()
			f := e.Value.(*managedfile.File)

			soleBucketSoleFile := len(l.bucketKeys) == 1 && b.list.Len() == 1
			if soleBucketSoleFile {
				e = prev
				continue
			}

			if f.TryMarkForDeletion() {
				sz := f.SizeLocal()
				l.removeLocked(f.LocalPath, k)
				l.currentCapacity.Sub(sz)
				l.hardItemCount.Sub(1)
				toDrop = append(toDrop, candidate{f: f, key: k, sz: sz})
			} else if f.State() == managedfile.SyncJustHappened {
				toDemote = append(toDemote, f)
			}
			e = prev
		}
	}
	partial := l.currentCapacity.Load() > l.capacityLimit
	l.mu.Unlock()

	// Files the sweep found still under the post-download guard are
	// demoted to Idle outside the lock (a demotion may complete a pending
	// deletion, which does file I/O), so a later sweep can evict them.
	for _, f := range toDemote {
		f.DemoteIfJustSynced()
	}

	var freed int64
	for _, c := range toDrop {
		if l.drop != nil {
			_ = l.drop(c.f) // drop() is idempotent; a failure here leaks disk bytes, not correctness
		}
		c.f.FinalizeDeletion()
		freed += c.sz
	}
	return EvictResult{BytesFreed: freed, FilesDropped: len(toDrop), Partial: partial}
}

// clearLocked wipes all bookkeeping without touching any file on disk —
// the drastic recovery path for a pathological bucket count or a failed
// external validity check (spec.md §4.2 step 5). Caller holds l.mu.
func (l *LRU) clearLocked() EvictResult {
	n := len(l.elements)
	l.buckets = make(map[int64]*bucket)
	l.bucketKeys = nil
	l.elements = make(map[string]*list.Element)
	l.currentCapacity.Store(0)
	l.hardItemCount.Store(0)
	l.softItemCount.Store(0)
	return EvictResult{FilesDropped: n, Partial: false}
}

// MaybePeriodicEvict runs EvictToBudget if the configured interval has
// elapsed since the last sweep, win-or-lose-idempotent the way spec.md §5
// requires ("eviction is idempotent").
func (l *LRU) MaybePeriodicEvict() (ran bool, res EvictResult) {
	now := mono.NanoTime()
	last := l.lastEvictAt.Load()
	if now-last < l.evictInterval.Nanoseconds() {
		return false, EvictResult{}
	}
	if !l.lastEvictAt.CAS(last, now) {
		return false, EvictResult{}
	}
	return true, l.EvictToBudget()
}

// IndexRebuild reconciles the soft/hard item counters once the gap between
// them exceeds tombstoneReapThreshold. This implementation never leaves a
// reachable stale entry (Drop removes synchronously), so there is nothing
// to reap; the call degenerates to resetting the soft counter to the hard
// count, preserved as an explicit operation to keep the index-health
// heuristic spec.md §4.2 describes observable and testable.
func (l *LRU) IndexRebuild() (rebuilt bool) {
	hard := l.hardItemCount.Load()
	soft := l.softItemCount.Load()
	if soft-hard < tombstoneReapThreshold {
		return false
	}
	l.softItemCount.Store(hard)
	return true
}

func (l *LRU) ItemCounts() (hard, soft int64) {
	return l.hardItemCount.Load(), l.softItemCount.Load()
}

// BucketCount reports the number of open age buckets.
func (l *LRU) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bucketKeys)
}
