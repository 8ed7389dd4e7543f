package cmn

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// StopCh is a specialized channel for broadcasting shutdown; Close is
// idempotent via sync.Once, the same shape as aistore's cmn.StopCh.
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

func (s *StopCh) Close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *StopCh) Listen() <-chan struct{} { return s.ch }

func (s *StopCh) Stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// DynSemaphore is a semaphore whose size can change during usage, used to
// bound the downloader/batch worker pools. Adapted from aistore's
// cmn.DynSemaphore.
type DynSemaphore struct {
	size int
	cur  int
	c    *sync.Cond
	mu   sync.Mutex
}

func NewDynSemaphore(size int) *DynSemaphore {
	ds := &DynSemaphore{size: size}
	ds.c = sync.NewCond(&ds.mu)
	return ds
}

func (ds *DynSemaphore) Acquire() {
	ds.mu.Lock()
	for ds.cur >= ds.size {
		ds.c.Wait()
	}
	ds.cur++
	ds.mu.Unlock()
}

func (ds *DynSemaphore) Release() {
	ds.mu.Lock()
	ds.cur--
	ds.c.Signal()
	ds.mu.Unlock()
}

func (ds *DynSemaphore) SetSize(size int) {
	ds.mu.Lock()
	ds.size = size
	ds.c.Broadcast()
	ds.mu.Unlock()
}

// TimeoutGroup is a sync.WaitGroup variant whose Wait can additionally time
// out, used to bound a graceful-shutdown drain. Adapted from aistore's
// cmn.TimeoutGroup. It is not safe to wait from multiple goroutines.
type TimeoutGroup struct {
	jobsLeft  atomic.Int32
	postedFin atomic.Int32
	fin       chan struct{}
}

func NewTimeoutGroup() *TimeoutGroup {
	return &TimeoutGroup{fin: make(chan struct{}, 1)}
}

func (tg *TimeoutGroup) Add(delta int) { tg.jobsLeft.Add(int32(delta)) }

func (tg *TimeoutGroup) Done() {
	left := tg.jobsLeft.Sub(1)
	if left == 0 && tg.postedFin.CAS(0, 1) {
		tg.fin <- struct{}{}
	}
}

// WaitTimeout waits up to d for all jobs to finish; it returns true if the
// wait timed out before completion.
func (tg *TimeoutGroup) WaitTimeout(d time.Duration) (timedOut bool) {
	if tg.jobsLeft.Load() == 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for tg.jobsLeft.Load() != 0 {
		select {
		case <-tg.fin:
			// re-arm so the next time the count reaches zero posts again;
			// a signal left over from an earlier round just re-checks.
			tg.postedFin.Store(0)
		case <-t.C:
			return true
		}
	}
	return false
}
