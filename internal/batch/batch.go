// Package batch implements the bulk "prepare dataset" / "estimate
// dataset" scheduler spec.md §1 fences off from the core as a thin
// fan-out over Registry.GetOrLoad, plus the request-id bookkeeping
// cachePrepareData/cacheCancelPrepareData/cacheCheckPrepareStatus need
// (SPEC_FULL.md's supplemented request-scheduling-layer feature).
//
// Grounded on aistore's downloader/download.go dispatcher/jogger
// worker-pool shape — one dispatcher handing files to a bounded pool of
// worker goroutines — implemented here with golang.org/x/sync/errgroup
// collecting the per-file goroutines and a cmn.DynSemaphore bounding how
// many of them load at once.
package batch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/internal/xxhashpath"
	"github.com/dfscache/dfscache/registry"
)

// ProgressStatus is the per-file status vocabulary spec.md §6.5 names for
// FileProgress records — a narrower set than cmn.Kind, specific to the
// batch API's reporting contract.
type ProgressStatus string

const (
	NotRun            ProgressStatus = "NotRun"
	CompletedOk       ProgressStatus = "CompletedOk"
	MissedRemotely    ProgressStatus = "MissedRemotely"
	RemoteUnreachable ProgressStatus = "RemoteUnreachable"
	LocalFailure      ProgressStatus = "LocalFailure"
	GeneralFailure    ProgressStatus = "GeneralFailure"
	InconsistentData  ProgressStatus = "InconsistentData"
)

// FileProgress is the per-file record exposed to callers of the
// prepare/estimate API, spec.md §6.5.
type FileProgress struct {
	LocalBytes     int64
	EstimatedBytes int64
	LocalPath      string
	RemotePath     string
	Descriptor     fsdesc.Descriptor
	ProcessTime    time.Duration
	Status         ProgressStatus
	Error          bool
	ErrorDescr     string
}

// Ready is spec.md §6.5's readiness predicate.
func (p FileProgress) Ready() bool {
	return p.LocalBytes == p.EstimatedBytes && p.Status == CompletedOk && !p.Error
}

// Perf is the coarse performance snapshot cacheCheckPrepareStatus reports
// alongside progress: how far the request has gotten and how long it has
// been running.
type Perf struct {
	FilesTotal     int
	FilesCompleted int
	BytesTotal     int64
	BytesCompleted int64
	Elapsed        time.Duration
}

// request is one outstanding cachePrepareData call's bookkeeping.
type request struct {
	mu       sync.Mutex
	id       string
	started  time.Time
	progress map[string]*FileProgress // keyed by remote path
	cancel   context.CancelFunc
	callback func(FileProgress)
}

func (r *request) snapshot() ([]FileProgress, Perf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileProgress, 0, len(r.progress))
	perf := Perf{Elapsed: time.Since(r.started)}
	for _, p := range r.progress {
		out = append(out, *p)
		perf.FilesTotal++
		perf.BytesTotal += p.EstimatedBytes
		perf.BytesCompleted += p.LocalBytes
		if p.Status == CompletedOk {
			perf.FilesCompleted++
		}
	}
	return out, perf
}

func (r *request) update(remotePath string, mutate func(*FileProgress)) {
	r.mu.Lock()
	p, ok := r.progress[remotePath]
	if !ok {
		p = &FileProgress{RemotePath: remotePath, Status: NotRun}
		r.progress[remotePath] = p
	}
	mutate(p)
	cb := r.callback
	snapshot := *p
	r.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
}

// Tracker is the process-wide table of outstanding bulk requests,
// implementing the request-scheduling-layer SPEC_FULL.md supplements.
type Tracker struct {
	reg         *registry.Registry
	concurrency int
	drain       *cmn.TimeoutGroup

	mu       sync.Mutex
	requests map[string]*request
	nextID   int64
}

// NewTracker builds a Tracker fanning individual file loads out over reg,
// bounding concurrent downloads to concurrency (spec.md §5's "one pool for
// short/estimate tasks, one pool for long/download tasks" tuning knob —
// callers construct a second Tracker with its own concurrency if they
// want the split; every Tracker loads files the same way).
func NewTracker(reg *registry.Registry, concurrency int) *Tracker {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Tracker{
		reg:         reg,
		concurrency: concurrency,
		drain:       cmn.NewTimeoutGroup(),
		requests:    make(map[string]*request),
	}
}

func (t *Tracker) allocID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return "req-" + strconv.FormatInt(t.nextID, 10)
}

// Prepare implements cachePrepareData: it returns immediately with a
// request id (spec.md §6.1 says the call itself returns AsyncScheduled),
// and drives the actual loads on a bounded pool of goroutines, invoking cb
// after each file's FileProgress changes.
func (t *Tracker) Prepare(desc fsdesc.Descriptor, files []string, cb func(FileProgress)) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	req := &request{
		id:       t.allocID(),
		started:  timeNow(),
		progress: make(map[string]*FileProgress, len(files)),
		cancel:   cancel,
		callback: cb,
	}
	for _, rel := range files {
		req.progress[rel] = &FileProgress{RemotePath: rel, Descriptor: desc, Status: NotRun}
	}

	t.mu.Lock()
	t.requests[req.id] = req
	t.mu.Unlock()

	t.drain.Add(1)
	go t.run(ctx, desc, files, req)

	return req.id, cmn.NewStatus(cmn.AsyncScheduled, nil)
}

func (t *Tracker) run(ctx context.Context, desc fsdesc.Descriptor, files []string, req *request) {
	g, gctx := errgroup.WithContext(ctx)
	sem := cmn.NewDynSemaphore(t.concurrency)

	// Files that hash to the same shard serialize with each other even
	// though the semaphore lets them run on different goroutines — two
	// paths whose xxhash lands in the same shard are loaded one at a time,
	// so repeats of one path never race to claim the same managed file.
	shardLocks := make([]sync.Mutex, t.concurrency)

	for _, rel := range files {
		rel := rel
		shard := xxhashpath.Shard(rel, t.concurrency)
		g.Go(func() error {
			sem.Acquire()
			defer sem.Release()
			shardLocks[shard].Lock()
			defer shardLocks[shard].Unlock()

			start := timeNow()
			if gctx.Err() != nil {
				req.update(rel, func(p *FileProgress) {
					p.Status = GeneralFailure
					p.Error = true
					p.ErrorDescr = "canceled"
					p.ProcessTime = timeNow().Sub(start)
				})
				return nil
			}
			mf, err := t.reg.GetOrLoad(desc, rel)
			if err != nil {
				req.update(rel, func(p *FileProgress) {
					p.Status, p.ErrorDescr = classify(err)
					p.Error = true
					p.ProcessTime = timeNow().Sub(start)
				})
				return nil
			}
			req.update(rel, func(p *FileProgress) {
				p.LocalPath = mf.LocalPath
				p.LocalBytes = mf.SizeLocal()
				p.EstimatedBytes = mf.SizeRemoteEstimated()
				p.Status = CompletedOk
				p.ProcessTime = timeNow().Sub(start)
			})
			mf.Unpin()
			return nil
		})
	}
	_ = g.Wait()
	t.drain.Done()
}

func classify(err error) (ProgressStatus, string) {
	if cmn.Is(err, cmn.MissedRemotely) {
		return MissedRemotely, err.Error()
	}
	if cmn.Is(err, cmn.RemoteUnreachable) || cmn.Is(err, cmn.RemoteConnectionFailed) {
		return RemoteUnreachable, err.Error()
	}
	if cmn.Is(err, cmn.LocalFileOpFailure) {
		return LocalFailure, err.Error()
	}
	if cmn.Is(err, cmn.InconsistentData) {
		return InconsistentData, err.Error()
	}
	return GeneralFailure, err.Error()
}

// Cancel implements cacheCancelPrepareData: it requests cancellation of
// every in-flight file load belonging to id. Files already claimed for
// download continue (the downloader checks managedfile.File.Canceled at
// buffer boundaries, not the batch level) but no new loads are started.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	req, ok := t.requests[id]
	t.mu.Unlock()
	if !ok {
		return cmn.NewStatus(cmn.RequestNotFound, nil)
	}
	req.cancel()
	return nil
}

// Status implements cacheCheckPrepareStatus.
func (t *Tracker) Status(id string) ([]FileProgress, Perf, error) {
	t.mu.Lock()
	req, ok := t.requests[id]
	t.mu.Unlock()
	if !ok {
		return nil, Perf{}, cmn.NewStatus(cmn.RequestNotFound, nil)
	}
	progress, perf := req.snapshot()
	return progress, perf, nil
}

// Forget drops a completed request's bookkeeping so the Tracker's map
// doesn't grow unbounded over a long-lived process. The engine does not
// call it; requests stay in the map until a caller of Forget removes them.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}

// CancelAll cancels every outstanding request, used by cacheShutdown(force
// = true) (SPEC_FULL.md's graceful-vs-forced shutdown supplement).
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	reqs := make([]*request, 0, len(t.requests))
	for _, r := range t.requests {
		reqs = append(reqs, r)
	}
	t.mu.Unlock()
	for _, r := range reqs {
		r.cancel()
	}
}

// Drain blocks until every outstanding request has finished or ctx is
// done, used by cacheShutdown(force = false) to let in-flight batch
// requests complete before tearing down. Only one caller may Drain a
// given Tracker at a time (cmn.TimeoutGroup's own constraint).
func (t *Tracker) Drain(ctx context.Context) error {
	d := time.Duration(1<<63 - 1)
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			d = remaining
		} else {
			d = 0
		}
	}
	if t.drain.WaitTimeout(d) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.DeadlineExceeded
	}
	return nil
}

// timeNow reports wall-clock time: FileProgress.ProcessTime and Perf's
// Elapsed are caller-facing durations, spec.md §6.5, distinct from the
// LRU's internal mono.NanoTime currency.
func timeNow() time.Time { return time.Now() }
