package lru_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/lru"
	"github.com/dfscache/dfscache/managedfile"
)

func mkFile(path string, size int64) *managedfile.File {
	f := managedfile.Reconstructed(path, "hdfs://nn:8020/"+path, path, fsdesc.New(fsdesc.KindHDFS, "nn", 8020, ""), size, time.Now())
	return f
}

func TestAdmitRejectsFilesOlderThanOrigin(t *testing.T) {
	origin := time.Now()
	l := lru.New(origin, time.Minute, 1<<20, time.Hour, nil)

	stale := managedfile.Reconstructed("/stale", "hdfs://nn:8020/stale", "stale", fsdesc.New(fsdesc.KindHDFS, "nn", 8020, ""), 10, origin.Add(-time.Hour))
	require.False(t, l.Admit(stale))
}

func TestFindPinsAndTouchUpdatesCapacity(t *testing.T) {
	origin := time.Now().Add(-time.Minute)
	l := lru.New(origin, time.Minute, 1<<20, time.Hour, nil)

	f := mkFile("/a", 100)
	require.True(t, l.Admit(f))
	require.EqualValues(t, 100, l.CurrentCapacity())

	got, ok := l.Find("/a")
	require.True(t, ok)
	require.Same(t, f, got)
	got.Unpin()
}

func TestFindMissReturnsFalse(t *testing.T) {
	l := lru.New(time.Now(), time.Minute, 1<<20, time.Hour, nil)
	_, ok := l.Find("/nowhere")
	require.False(t, ok)
}

func TestEvictToBudgetDropsOldestFirst(t *testing.T) {
	origin := time.Now().Add(-time.Hour)
	var dropped []string
	drop := func(f *managedfile.File) error {
		dropped = append(dropped, f.LocalPath)
		return nil
	}
	l := lru.New(origin, time.Minute, 150, time.Hour, drop)

	old := mkFile("/old", 100)
	newer := mkFile("/new", 100)
	require.True(t, l.Admit(old))
	time.Sleep(2 * time.Millisecond)
	require.True(t, l.Admit(newer))

	res := l.EvictToBudget()
	require.GreaterOrEqual(t, res.FilesDropped, 1)
	require.Contains(t, dropped, "/old")
	require.LessOrEqual(t, l.CurrentCapacity(), int64(150))
}

func TestEvictToBudgetNeverDropsTheSoleFileInTheSoleBucket(t *testing.T) {
	origin := time.Now().Add(-time.Hour)
	l := lru.New(origin, time.Minute, 10, time.Hour, func(*managedfile.File) error { return nil })

	f := mkFile("/only", 1000)
	require.True(t, l.Admit(f))

	res := l.EvictToBudget()
	// sole bucket, sole file: never evicted even though it blows the budget.
	require.Equal(t, 0, res.FilesDropped)
	require.True(t, res.Partial)
}

func TestEvictToBudgetSkipsPinnedFiles(t *testing.T) {
	origin := time.Now().Add(-time.Hour)
	l := lru.New(origin, time.Minute, 50, time.Hour, func(*managedfile.File) error { return nil })

	pinned := mkFile("/pinned", 100)
	other := mkFile("/other", 100)
	require.True(t, l.Admit(pinned))
	time.Sleep(2 * time.Millisecond)
	require.True(t, l.Admit(other))

	pinnedHandle, ok := l.Find("/pinned")
	require.True(t, ok)
	defer pinnedHandle.Unpin()

	res := l.EvictToBudget()
	require.Equal(t, 1, res.FilesDropped)
	_, stillThere := l.Find("/pinned")
	require.True(t, stillThere)
}

func TestTouchCrossesBucketBoundary(t *testing.T) {
	origin := time.Now().Add(-time.Hour)
	l := lru.New(origin, 10*time.Millisecond, 1<<20, time.Hour, nil)

	f := mkFile("/x", 10)
	require.True(t, l.Admit(f))
	before := l.BucketCount()

	time.Sleep(30 * time.Millisecond)
	f.Touch()
	l.Touch(f)

	require.GreaterOrEqual(t, l.BucketCount(), before)
}

func TestIndexRebuildNoOpBelowThreshold(t *testing.T) {
	l := lru.New(time.Now(), time.Minute, 1<<20, time.Hour, nil)
	require.False(t, l.IndexRebuild())
}
