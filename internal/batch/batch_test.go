package batch_test

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/internal/batch"
	"github.com/dfscache/dfscache/internal/localdisk"
	"github.com/dfscache/dfscache/managedfile"
	"github.com/dfscache/dfscache/registry"
)

func dispatcherFunc(fail bool) registry.Dispatcher {
	return func(f *managedfile.File) {
		go func() {
			if fail {
				f.PublishDownload(managedfile.DownloadResult{OK: false, FailKind: cmn.MissedRemotely}, time.Hour)
				return
			}
			f.PublishDownload(managedfile.DownloadResult{OK: true, SizeLocal: 64, Compatible: true}, time.Second)
		}()
	}
}

// hangingDispatcher never resolves the claimed file, so Registry.GetOrLoad
// blocks forever: used to exercise Drain's own timeout deterministically
// rather than racing against a dispatcher that might resolve first.
func hangingDispatcher(*managedfile.File) {}

func newTracker(t *testing.T, fail bool) *batch.Tracker {
	t.Helper()
	root, err := ioutil.TempDir("", "dfscache-batch-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	disk := localdisk.New(root)
	reg := registry.New(dispatcherFunc(fail), nil, disk.Remove)
	require.NoError(t, reg.Configure(root, 1<<30, time.Hour, time.Hour, 50*time.Millisecond, true))
	_, err = reg.RegisterRemoteFs(fsdesc.New(fsdesc.KindHDFS, "nn", 8020, ""))
	require.NoError(t, err)
	return batch.NewTracker(reg, 4)
}

func newHangingTracker(t *testing.T) *batch.Tracker {
	t.Helper()
	root, err := ioutil.TempDir("", "dfscache-batch-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	disk := localdisk.New(root)
	reg := registry.New(hangingDispatcher, nil, disk.Remove)
	require.NoError(t, reg.Configure(root, 1<<30, time.Hour, time.Hour, 50*time.Millisecond, true))
	_, err = reg.RegisterRemoteFs(fsdesc.New(fsdesc.KindHDFS, "nn", 8020, ""))
	require.NoError(t, err)
	return batch.NewTracker(reg, 4)
}

func TestPrepareCompletesAllFiles(t *testing.T) {
	tr := newTracker(t, false)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	files := []string{"a/1", "a/2", "a/3", "b/4", "b/5"}

	id, err := tr.Prepare(desc, files, nil)
	require.True(t, cmn.Is(err, cmn.AsyncScheduled))

	require.NoError(t, tr.Drain(context.Background()))

	progress, perf, err := tr.Status(id)
	require.NoError(t, err)
	require.Equal(t, len(files), perf.FilesTotal)
	require.Equal(t, len(files), perf.FilesCompleted)
	for _, p := range progress {
		require.True(t, p.Ready())
	}
}

func TestPrepareReportsMissedRemotely(t *testing.T) {
	tr := newTracker(t, true)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	id, _ := tr.Prepare(desc, []string{"missing"}, nil)
	require.NoError(t, tr.Drain(context.Background()))

	progress, _, err := tr.Status(id)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	require.Equal(t, batch.MissedRemotely, progress[0].Status)
	require.True(t, progress[0].Error)
}

func TestCancelThenStatusStillAvailable(t *testing.T) {
	tr := newTracker(t, false)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	id, _ := tr.Prepare(desc, []string{"a/1", "a/2"}, nil)
	require.NoError(t, tr.Cancel(id))
	require.NoError(t, tr.Drain(context.Background()))

	_, _, err := tr.Status(id)
	require.NoError(t, err)
}

func TestDrainTimesOutOnUnfinishedWork(t *testing.T) {
	tr := newHangingTracker(t)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	_, _ = tr.Prepare(desc, []string{"slow/one"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Drain(ctx)
	require.Error(t, err)
}

func TestStatusUnknownRequestNotFound(t *testing.T) {
	tr := newTracker(t, false)
	_, _, err := tr.Status("req-does-not-exist")
	require.True(t, cmn.Is(err, cmn.RequestNotFound))
}
