// Package managedfile implements the per-file record the rest of the cache
// engine revolves around (spec.md §3.3, §4.1): identity, size, lifecycle
// state, reference count, and the mutex/condition pair that coordinates
// pinning readers, the downloader, and the evictor. Grounded on the
// original managed-file.{hpp,cc} state machine and, for the Go
// concurrency idiom (a private mutex plus sync.Cond guarding a small
// struct, broadcast on every externally-observable transition), on
// aistore's fs.MountpathInfo and lru.lruJ pattern of guarding small hot
// structs with a dedicated mutex.
package managedfile

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/cmn/mono"
	"github.com/dfscache/dfscache/fsdesc"
)

// State is the managed file's lifecycle state, spec.md §3.3.
type State int

const (
	Amorphous State = iota
	InProgressBySync
	InUse
	Idle
	Forbidden
	MarkedForDeletion
	SyncJustHappened
)

func (s State) String() string {
	switch s {
	case Amorphous:
		return "Amorphous"
	case InProgressBySync:
		return "InProgressBySync"
	case InUse:
		return "InUse"
	case Idle:
		return "Idle"
	case Forbidden:
		return "Forbidden"
	case MarkedForDeletion:
		return "MarkedForDeletion"
	case SyncJustHappened:
		return "SyncJustHappened"
	default:
		return "Unknown"
	}
}

// DownloadResult is what the Downloader hands to PublishDownload: either a
// successful transfer (with the final local size) or a failure classified
// into one of the cmn.Kind error kinds spec.md §7 lists.
type DownloadResult struct {
	OK         bool
	SizeLocal  int64
	Compatible bool
	FailKind   cmn.Kind
	Cause      error
}

// File is one managed file record. It is always heap-allocated and
// referenced by pointer; the Registry is the only owner, everyone else
// holds a pin.
type File struct {
	// identity — immutable after construction
	LocalPath    string
	NetworkPath  string
	RemoteRel    string
	Descriptor   fsdesc.Descriptor
	TransformCmd string // optional external byte-stream transform program

	// BucketKey is the small integer the LRU uses to find this file's
	// current age bucket without the file ever holding a pointer back
	// into the bucket — see the Design Notes' cyclic-structure writeup.
	BucketKey atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond

	state                 State
	sizeLocal             int64
	sizeRemoteEstimated   int64
	lastAccess            int64 // mono.NanoTime
	openHandles           int
	compatible            bool
	retryCooldownDeadline int64 // mono.NanoTime
	canceled              bool

	// onSizeChange bridges size_local deltas to the LRU's current_capacity
	// counter (spec.md §4.3's subscribe_to_size_change). Set once by the
	// Registry at admission time.
	onSizeChange func(delta int64)

	// pendingDelete records a Remove request that arrived while the file
	// was pinned. Unpin and DemoteIfJustSynced retry the deletion
	// themselves the moment the file actually goes idle, so the removal
	// spec.md §4.3 promises ("succeeds only after all pins drop") is
	// driven by the pin dropping, not by an unrelated capacity sweep
	// happening to pick this file for age-based eviction.
	pendingDelete         bool
	pendingDeletePhysical bool
	onDeletionReady       func(f *File, physical bool)

	// finalized is set by FinalizeDeletion; the state itself stays
	// MarkedForDeletion, so AwaitFinalization waits on this flag.
	finalized bool
}

// New constructs an Amorphous file. localPath/networkPath/remoteRel are
// immutable for the file's lifetime; sizeRemoteEstimated may be 0 until the
// downloader learns the real size from the remote stat.
func New(localPath, networkPath, remoteRel string, desc fsdesc.Descriptor, transformCmd string) *File {
	f := &File{
		LocalPath:    localPath,
		NetworkPath:  networkPath,
		RemoteRel:    remoteRel,
		Descriptor:   desc,
		TransformCmd: transformCmd,
		state:        Amorphous,
		lastAccess:   mono.NanoTime(),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Reconstructed rebuilds a File in Idle state from an on-disk scan
// (spec.md §4.3's "reconstructed from disk on startup" lifecycle entry).
// lastAccess should be the file's observed mtime.
func Reconstructed(localPath, networkPath, remoteRel string, desc fsdesc.Descriptor, size int64, lastAccess time.Time) *File {
	f := New(localPath, networkPath, remoteRel, desc, "")
	f.state = Idle
	f.compatible = true
	f.sizeLocal = size
	f.sizeRemoteEstimated = size
	f.lastAccess = lastAccess.UnixNano()
	return f
}

// SetSizeChangeSubscriber wires the LRU's capacity accounting. Called once
// by the Registry immediately after admission.
func (f *File) SetSizeChangeSubscriber(fn func(delta int64)) {
	f.mu.Lock()
	f.onSizeChange = fn
	f.mu.Unlock()
}

// SetDeletionReadyCallback wires the Registry's finalize-deletion hook,
// invoked from Unpin/DemoteIfJustSynced when a deferred RequestDeletion
// finally becomes satisfiable. Called once by the Registry at indexing
// time.
func (f *File) SetDeletionReadyCallback(fn func(f *File, physical bool)) {
	f.mu.Lock()
	f.onDeletionReady = fn
	f.mu.Unlock()
}

// ---- read-only accessors (each takes the lock; callers must not assume a
// snapshot stays valid past the call) ----

func (f *File) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *File) SizeLocal() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizeLocal
}

func (f *File) SizeRemoteEstimated() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizeRemoteEstimated
}

func (f *File) SetSizeRemoteEstimated(n int64) {
	f.mu.Lock()
	f.sizeRemoteEstimated = n
	f.mu.Unlock()
}

func (f *File) LastAccess() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAccess
}

func (f *File) OpenHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openHandles
}

func (f *File) Compatible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compatible
}

// ---- lifecycle operations, spec.md §4.1 ----

// Pin attempts to increment open_handles. It blocks while the file is
// InProgressBySync, waiting for the downloader to publish a terminal
// state, and fails (false) if the file is MarkedForDeletion or Forbidden
// past its retry cooldown deadline.
func (f *File) Pin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.state == InProgressBySync {
		f.cond.Wait()
	}
	switch f.state {
	case MarkedForDeletion:
		return false
	case Forbidden:
		if mono.NanoTime() < f.retryCooldownDeadline {
			return false
		}
		// past cooldown: allow the caller in as a pin so it can drive a
		// resync; Registry.get_or_load is responsible for noticing the
		// Forbidden state and kicking a resync rather than serving stale
		// content.
		f.openHandles++
		return true
	default:
		f.openHandles++
		if f.state == Idle {
			f.state = InUse
		}
		return true
	}
}

// Unpin decrements open_handles. When it reaches zero on an InUse file the
// state falls back to Idle, making it eligible for eviction. A
// SyncJustHappened file is left alone — the transient guard lifts only on
// the next bucket sweep, per spec.md §4.1. If a RequestDeletion arrived
// while the file was pinned, reaching Idle here completes it immediately
// instead of waiting on the evictor.
func (f *File) Unpin() {
	f.mu.Lock()
	if f.openHandles > 0 {
		f.openHandles--
	}
	if f.openHandles == 0 && f.state == InUse {
		f.state = Idle
	}
	cb, physical, ready := f.checkPendingDeleteLocked()
	f.mu.Unlock()
	if ready {
		cb(f, physical)
	}
}

// checkPendingDeleteLocked transitions an Idle, unpinned file with a
// pending deletion request to MarkedForDeletion and returns the callback
// to invoke once the caller has released f.mu. Must be called with f.mu
// held.
func (f *File) checkPendingDeleteLocked() (func(f *File, physical bool), bool, bool) {
	if f.openHandles != 0 || f.state != Idle || !f.pendingDelete {
		return nil, false, false
	}
	f.state = MarkedForDeletion
	f.pendingDelete = false
	physical := f.pendingDeletePhysical
	return f.onDeletionReady, physical, f.onDeletionReady != nil
}

// PinUnconditional increments open_handles without checking state. It
// exists for exactly one caller: Registry.GetOrLoad, immediately after it
// wins ClaimForDownload on a file it just constructed itself — there is no
// race to guard against yet, and using the blocking Pin here would
// deadlock the constructing goroutine against its own not-yet-dispatched
// download.
func (f *File) PinUnconditional() {
	f.mu.Lock()
	f.openHandles++
	f.mu.Unlock()
}

// WaitResolved blocks until the file leaves InProgressBySync, the
// construct-on-miss caller's half of spec.md §4.3 step 4 ("block on the
// file's condition until it leaves InProgressBySync").
func (f *File) WaitResolved() {
	f.mu.Lock()
	for f.state == InProgressBySync {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// ClaimForDownload atomically transitions Amorphous (or Forbidden, for a
// resync) -> InProgressBySync. It returns false if another task already claimed the file (a racing
// reader should Pin and wait instead of retrying the claim).
func (f *File) ClaimForDownload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Amorphous && f.state != Forbidden {
		return false
	}
	f.state = InProgressBySync
	f.canceled = false
	return true
}

// PublishDownload applies the Downloader's outcome and broadcasts on the
// file's condition, waking every caller blocked in the InProgressBySync
// loops of Pin and WaitResolved.
func (f *File) PublishDownload(result DownloadResult, cooldown time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result.OK {
		delta := result.SizeLocal - f.sizeLocal
		f.sizeLocal = result.SizeLocal
		if result.Compatible {
			f.sizeRemoteEstimated = result.SizeLocal
		}
		f.compatible = true
		f.lastAccess = mono.NanoTime()
		f.state = SyncJustHappened
		if f.onSizeChange != nil && delta != 0 {
			f.onSizeChange(delta)
		}
	} else {
		f.state = Forbidden
		f.compatible = false
		f.retryCooldownDeadline = mono.NanoTime() + cooldown.Nanoseconds()
	}
	f.cond.Broadcast()
}

// ReportProgress is called by the Downloader as bytes land on disk, mid
// transfer, so the LRU's current_capacity sees growth incrementally rather
// than as one atomic jump at the end (spec.md §4.4 step 4).
func (f *File) ReportProgress(sizeLocal int64) {
	f.mu.Lock()
	delta := sizeLocal - f.sizeLocal
	f.sizeLocal = sizeLocal
	sub := f.onSizeChange
	f.mu.Unlock()
	if sub != nil && delta != 0 {
		sub(delta)
	}
}

// Touch updates last_access to now; called on every successful read/pin so
// the LRU can reassign the file to a fresher age bucket.
func (f *File) Touch() {
	f.mu.Lock()
	f.lastAccess = mono.NanoTime()
	f.mu.Unlock()
}

// TryMarkForDeletion succeeds iff open_handles == 0 and state is Idle. On
// success it transitions to MarkedForDeletion and forbids future pins.
// Used by the LRU's capacity-driven eviction sweep, which has its own
// age-ordering policy for picking a victim; RequestDeletion is the entry
// point for an explicit caller-initiated removal.
func (f *File) TryMarkForDeletion() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openHandles != 0 || f.state != Idle {
		return false
	}
	f.state = MarkedForDeletion
	return true
}

// RequestDeletion marks the file for deletion immediately if it is
// already Idle and unpinned, returning true. Otherwise it records the
// intent and returns false; Unpin (or DemoteIfJustSynced, for a file
// still settling out of SyncJustHappened) completes the transition and
// invokes the Registry's deletion-ready callback the moment the file
// actually becomes idle, rather than leaving completion to chance on the
// next unrelated capacity sweep.
func (f *File) RequestDeletion(physical bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openHandles == 0 && f.state == Idle {
		f.state = MarkedForDeletion
		return true
	}
	f.pendingDelete = true
	f.pendingDeletePhysical = physical
	return false
}

// AwaitFinalization blocks while the file is MarkedForDeletion and
// FinalizeDeletion has not yet run (i.e. until the evictor's Drop has
// completed and broadcasts). Callers (LRU.find, Registry.get_or_load)
// retry their lookup from scratch afterwards since the entry may have been
// removed from the index.
func (f *File) AwaitFinalization() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.state == MarkedForDeletion && !f.finalized {
		f.cond.Wait()
	}
}

// FinalizeDeletion records that deletion has completed and wakes waiters
// blocked in AwaitFinalization. Called by the evictor once Drop has
// removed the local byte file.
func (f *File) FinalizeDeletion() {
	f.mu.Lock()
	f.finalized = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// RequestCancel sets the cancellation flag the Downloader polls at each
// buffer boundary (spec.md §4.4's cancellation contract).
func (f *File) RequestCancel() {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
}

func (f *File) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

// DemoteIfJustSynced moves a SyncJustHappened file to Idle; called by the
// LRU's bucket sweep the first time it observes the transient guard,
// matching spec.md §4.1's "leave it ... until the next bucket sweep
// observes it and demotes to Idle". A pending deletion requested while
// the file was still settling is completed here too, the same way Unpin
// completes one.
func (f *File) DemoteIfJustSynced() {
	f.mu.Lock()
	if f.state == SyncJustHappened && f.openHandles == 0 {
		f.state = Idle
	}
	cb, physical, ready := f.checkPendingDeleteLocked()
	f.mu.Unlock()
	if ready {
		cb(f, physical)
	}
}
