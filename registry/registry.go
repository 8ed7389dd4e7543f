// Package registry implements the single content-addressed map from
// canonical local path to managed file (spec.md §4.3): autoloading
// (construct-on-miss), pinning, removal, and the startup rescan that
// rebuilds the LRU from whatever is already on disk. Grounded on
// aistore's ais/bucketmeta.go (a process-wide, atomically-swapped registry
// of bucket metadata guarded by a single owner) generalized from buckets
// to cached files, and on the original cache-layer-registry.{hpp,cc}.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/lru"
	"github.com/dfscache/dfscache/managedfile"
	"github.com/dfscache/dfscache/pathcodec"
)

// Dispatcher hands a freshly claimed Amorphous->InProgressBySync file off
// to the downloader. The Registry never imports the downloader package
// directly (that would invert spec.md's stated dependency: "Downloader …
// Depends on Managed File", not the reverse); the engine wires the two
// together through this function value.
type Dispatcher func(f *managedfile.File)

// RemoteResolver resolves a "default" descriptor to a concrete one, the
// way register_remote_fs is documented to do in spec.md §4.3.
type RemoteResolver func(d fsdesc.Descriptor) (fsdesc.Descriptor, error)

// Registry is the process-wide index of managed files for one cache root.
type Registry struct {
	mu sync.RWMutex

	codec *pathcodec.Codec
	lru   *lru.LRU

	dropFn LocalDropFunc

	dispatch Dispatcher
	resolve  RemoteResolver

	remoteFs map[string]fsdesc.Descriptor // keyed by Descriptor.String()
	index    map[string]*managedfile.File // LocalPath -> file; the authoritative content-addressed map

	retryCooldown time.Duration
}

// LocalDropFunc performs the physical delete of a file's local bytes;
// wired to the LocalFs capability by the engine.
type LocalDropFunc func(localPath string) error

// New constructs an unconfigured Registry. Configure must be called before
// GetOrLoad is usable.
func New(dispatch Dispatcher, resolve RemoteResolver, dropFn LocalDropFunc) *Registry {
	return &Registry{
		dispatch: dispatch,
		resolve:  resolve,
		dropFn:   dropFn,
		remoteFs: make(map[string]fsdesc.Descriptor),
		index:    make(map[string]*managedfile.File),
	}
}

// Configure resolves cacheRoot to an absolute path, ensures it exists,
// rescans it to reconstruct managed-file records (admitted in ascending
// mtime order, per spec.md §4.3 and SPEC_FULL.md's startup-rescan-ordering
// supplement), and initializes the LRU. Files whose network path cannot be
// decoded from their local path are skipped — left on disk, untracked.
func (r *Registry) Configure(cacheRoot string, capacityLimit int64, sliceDuration, evictInterval, retryCooldown time.Duration, autoload bool) error {
	abs, err := resolveRoot(cacheRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}

	r.mu.Lock()
	r.codec = pathcodec.New(abs)
	r.retryCooldown = retryCooldown
	r.mu.Unlock()

	type found struct {
		localPath string
		desc      fsdesc.Descriptor
		rel       string
		size      int64
		mtime     time.Time
	}
	var files []found

	if autoload {
		_ = filepath.Walk(abs, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil || info == nil || info.IsDir() {
				return nil
			}
			if len(path) > 4 && path[len(path)-4:] == "_tmp" {
				return nil // in-flight download artifact, never reconstructed
			}
			desc, rel, decodeErr := r.codec.Reverse(path)
			if decodeErr != nil {
				glog.Warningf("registry: skipping undecodable cache file %q: %v", path, decodeErr)
				return nil
			}
			files = append(files, found{localPath: path, desc: desc, rel: rel, size: info.Size(), mtime: info.ModTime()})
			return nil
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	origin := time.Unix(0, 0)
	if len(files) > 0 {
		origin = files[0].mtime
	} else {
		origin = time.Now()
	}

	newLRU := lru.New(origin, sliceDuration, capacityLimit, evictInterval, r.physicalDrop)

	r.mu.Lock()
	r.lru = newLRU
	r.mu.Unlock()

	for _, fnd := range files {
		mf := managedfile.Reconstructed(fnd.localPath, pathcodec.NetworkPath(fnd.desc, fnd.rel), fnd.rel, fnd.desc, fnd.size, fnd.mtime)
		if !newLRU.Admit(mf) {
			glog.Warningf("registry: reconstructed file %q predates LRU origin, skipping", fnd.localPath)
			continue
		}
		r.indexPut(mf)
	}
	return nil
}

func resolveRoot(root string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	// Follow a symlinked root once, per spec.md §4.3.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// index is a thin secondary lookup the Registry keeps so Remove/GetOrLoad
// don't have to reach into the LRU's internals for files not yet admitted
// for capacity accounting (e.g. mid-construction Amorphous files are
// admitted immediately in GetOrLoad, so in practice this mirrors the LRU's
// own element map — kept separate to respect spec.md §4.3's statement that
// the Registry, not the LRU, owns the content-addressed map).
func (r *Registry) indexPut(f *managedfile.File) {
	f.SetDeletionReadyCallback(r.finalizeDeletion)
	r.mu.Lock()
	if r.index == nil {
		r.index = make(map[string]*managedfile.File)
	}
	r.index[f.LocalPath] = f
	r.mu.Unlock()
}

// RegisterRemoteFs idempotently registers a remote filesystem descriptor.
// A "default" descriptor is resolved through the adapter layer to a
// concrete host/port/kind before being stored, per spec.md §4.3.
func (r *Registry) RegisterRemoteFs(d fsdesc.Descriptor) (fsdesc.Descriptor, error) {
	if d.IsDefault() && r.resolve != nil {
		resolved, err := r.resolve(d)
		if err != nil {
			return fsdesc.Descriptor{}, cmn.NewStatus(cmn.AdapterNotConfigured, err)
		}
		d = resolved
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteFs[d.String()] = d
	return d, nil
}

func (r *Registry) isRegistered(d fsdesc.Descriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.remoteFs[d.String()]
	return ok
}

// Codec exposes the path codec for callers (Facade, Downloader) that need
// to compute a local path without going through GetOrLoad.
func (r *Registry) Codec() *pathcodec.Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codec
}

// GetOrLoad is the hot path described in spec.md §4.3: canonicalize,
// look up, pin on hit, construct-and-dispatch on miss, block until the
// file leaves InProgressBySync.
func (r *Registry) GetOrLoad(desc fsdesc.Descriptor, remoteRel string) (*managedfile.File, error) {
	if !desc.IsDefault() && !r.isRegistered(desc) {
		return nil, cmn.NewStatus(cmn.RemoteNotConfigured, nil)
	}
	r.mu.RLock()
	codec := r.codec
	rlru := r.lru
	r.mu.RUnlock()
	if codec == nil || rlru == nil {
		return nil, cmn.NewStatus(cmn.AdapterNotConfigured, nil)
	}

	localPath := codec.LocalOf(desc, remoteRel)

	for {
		if f, ok := rlru.Find(localPath); ok {
			f.Touch()
			rlru.Touch(f)
			if f.State() == managedfile.Forbidden {
				// Served to the caller as a failure; a resync is kicked
				// off asynchronously so the *next* caller may succeed.
				if r.dispatch != nil && f.ClaimForDownload() {
					r.dispatch(f)
				}
				return nil, cmn.NewStatus(cmn.CacheObjectForbidden, nil)
			}
			return f, nil
		} else if f != nil {
			// present but not pinnable: Forbidden within cooldown.
			return nil, cmn.NewStatus(cmn.CacheObjectForbidden, nil)
		}

		r.mu.RLock()
		existing, known := r.index[localPath]
		r.mu.RUnlock()
		if known {
			// Known to the registry's map but not (yet) in the LRU's
			// index — it is mid-construction by a concurrent caller.
			// Waiting on AwaitFinalization would be wrong here (that's
			// for MarkedForDeletion); instead fall through to Pin, which
			// blocks correctly on InProgressBySync.
			if existing.Pin() {
				return existing, nil
			}
			if existing.State() == managedfile.MarkedForDeletion {
				existing.AwaitFinalization()
				continue
			}
			return nil, cmn.NewStatus(cmn.CacheObjectForbidden, nil)
		}

		// Miss: construct, claim, admit, pin, dispatch.
		mf := managedfile.New(localPath, pathcodec.NetworkPath(desc, remoteRel), remoteRel, desc, "")
		if !mf.ClaimForDownload() {
			continue // lost a race to another constructor; retry lookup
		}
		r.indexPut(mf)
		if !rlru.Admit(mf) {
			// Pathological: system clock moved backwards of origin. Treat
			// as a hard failure rather than silently dropping accounting.
			r.indexDelete(localPath)
			return nil, cmn.NewStatus(cmn.GeneralFailure, nil)
		}
		mf.PinUnconditional()
		if r.dispatch != nil {
			r.dispatch(mf)
		}
		mf.WaitResolved()
		if mf.State() == managedfile.Forbidden {
			mf.Unpin()
			return nil, cmn.NewStatus(cmn.CacheObjectForbidden, nil)
		}
		return mf, nil
	}
}

func (r *Registry) indexDelete(localPath string) {
	r.mu.Lock()
	delete(r.index, localPath)
	r.mu.Unlock()
}

// Remove schedules removal of localPath. If the file is pinned, the
// request is recorded on the File itself (File.RequestDeletion) and
// completed by Unpin the moment the last pin drops — it does not wait on
// the evictor's unrelated capacity-driven sweep. physical controls
// whether the local bytes are deleted once the metadata record is gone.
//
// A path with no index entry (e.g. a Facade O_CREAT placeholder, which
// is deliberately never indexed) falls back to a plain disk-residency
// check, matching spec.md §4.5's "every entry point but open requires the
// object already be resident" — residency on disk, not registry
// membership.
func (r *Registry) Remove(localPath string, physical bool) error {
	r.mu.RLock()
	f, ok := r.index[localPath]
	r.mu.RUnlock()
	if !ok {
		return r.removeUntracked(localPath, physical)
	}
	if f.RequestDeletion(physical) {
		r.finalizeDeletion(f, physical)
		return nil
	}
	return cmn.NewStatus(cmn.AsyncScheduled, nil)
}

// removeUntracked deletes a disk-resident file the Registry never indexed.
func (r *Registry) removeUntracked(localPath string, physical bool) error {
	if _, err := os.Stat(localPath); err != nil {
		return cmn.NewStatus(cmn.CacheObjectNotFound, nil)
	}
	if !physical {
		return nil
	}
	if r.dropFn == nil {
		return os.Remove(localPath)
	}
	return r.dropFn(localPath)
}

// finalizeDeletion is the File.onDeletionReady callback: it runs once a
// file's deletion (immediate or deferred) actually becomes satisfiable,
// honoring physical the same way for both paths.
func (r *Registry) finalizeDeletion(f *managedfile.File, physical bool) {
	r.indexDelete(f.LocalPath)
	if physical {
		r.dropBytes(f.LocalPath)
	}
	f.FinalizeDeletion()
}

func (r *Registry) dropBytes(localPath string) {
	if r.dropFn == nil {
		return
	}
	if err := r.dropFn(localPath); err != nil {
		glog.Warningf("registry: failed to remove local bytes for %q: %v", localPath, err)
	}
}

func (r *Registry) physicalDrop(f *managedfile.File) error {
	r.indexDelete(f.LocalPath)
	if r.dropFn == nil {
		return nil
	}
	return r.dropFn(f.LocalPath)
}

// EvictToBudget exposes the LRU sweep for the background evictor/hk job.
func (r *Registry) EvictToBudget() lru.EvictResult {
	r.mu.RLock()
	rlru := r.lru
	r.mu.RUnlock()
	if rlru == nil {
		return lru.EvictResult{}
	}
	res := rlru.EvictToBudget()
	return res
}

// LRU exposes the underlying LRU for read-only introspection (tests,
// progress reporting).
func (r *Registry) LRU() *lru.LRU {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lru
}
