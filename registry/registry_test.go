package registry_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/internal/localdisk"
	"github.com/dfscache/dfscache/managedfile"
	"github.com/dfscache/dfscache/pathcodec"
	"github.com/dfscache/dfscache/registry"
)

// fakeDispatcher resolves every dispatched file immediately, as if a
// downloader had synchronously fetched sizeOK bytes successfully (or
// failed, if fail is set), exercising Registry.GetOrLoad's miss path
// without pulling in internal/downloader's retry machinery.
type fakeDispatcher struct {
	fail bool
	size int64
}

func (fd *fakeDispatcher) dispatch(f *managedfile.File) {
	go func() {
		if fd.fail {
			f.PublishDownload(managedfile.DownloadResult{OK: false, FailKind: cmn.MissedRemotely}, time.Hour)
			return
		}
		f.PublishDownload(managedfile.DownloadResult{OK: true, SizeLocal: fd.size, Compatible: true}, time.Second)
	}()
}

func newRegistry(t *testing.T, fail bool) (*registry.Registry, string) {
	t.Helper()
	root, err := ioutil.TempDir("", "dfscache-registry-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	disk := localdisk.New(root)
	fd := &fakeDispatcher{fail: fail, size: 128}
	reg := registry.New(fd.dispatch, nil, disk.Remove)
	require.NoError(t, reg.Configure(root, 1<<30, time.Hour, time.Hour, 50*time.Millisecond, true))
	return reg, root
}

// newRegistryWithResidentFile pre-seeds the cache root with a file on
// disk before Configure's startup rescan runs, so GetOrLoad takes the hit
// path (Pin, transitioning Idle->InUse) instead of the construct-on-miss
// path, whose freshly-downloaded SyncJustHappened state would otherwise
// need a bucket sweep to demote to Idle first.
func newRegistryWithResidentFile(t *testing.T, desc fsdesc.Descriptor, rel string, payload []byte) *registry.Registry {
	t.Helper()
	root, err := ioutil.TempDir("", "dfscache-registry-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	local := pathcodec.New(root).LocalOf(desc, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, ioutil.WriteFile(local, payload, 0o644))

	disk := localdisk.New(root)
	fd := &fakeDispatcher{fail: false, size: int64(len(payload))}
	reg := registry.New(fd.dispatch, nil, disk.Remove)
	require.NoError(t, reg.Configure(root, 1<<30, time.Hour, time.Hour, 50*time.Millisecond, true))
	return reg
}

func TestGetOrLoadMissDispatchesAndResolves(t *testing.T) {
	reg, _ := newRegistry(t, false)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	_, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)

	mf, err := reg.GetOrLoad(desc, "a/b")
	require.NoError(t, err)
	require.NotNil(t, mf)
	require.EqualValues(t, 128, mf.SizeLocal())
	mf.Unpin()
}

func TestGetOrLoadHitReturnsSameFile(t *testing.T) {
	reg, _ := newRegistry(t, false)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	_, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)

	first, err := reg.GetOrLoad(desc, "a/b")
	require.NoError(t, err)
	first.Unpin()

	second, err := reg.GetOrLoad(desc, "a/b")
	require.NoError(t, err)
	require.Same(t, first, second)
	second.Unpin()
}

func TestGetOrLoadMissFailureReturnsForbidden(t *testing.T) {
	reg, _ := newRegistry(t, true)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	_, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)

	_, err = reg.GetOrLoad(desc, "missing")
	require.Error(t, err)
	require.True(t, cmn.Is(err, cmn.CacheObjectForbidden))
}

func TestGetOrLoadRejectsUnregisteredRemote(t *testing.T) {
	reg, _ := newRegistry(t, false)
	desc := fsdesc.New(fsdesc.KindHDFS, "unregistered", 8020, "")

	_, err := reg.GetOrLoad(desc, "a/b")
	require.Error(t, err)
	require.True(t, cmn.Is(err, cmn.RemoteNotConfigured))
}

func TestRemoveDefersWhilePinnedThenCompletesOnUnpin(t *testing.T) {
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	reg := newRegistryWithResidentFile(t, desc, "a/b", []byte("resident bytes"))
	_, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)

	mf, err := reg.GetOrLoad(desc, "a/b")
	require.NoError(t, err)
	require.Equal(t, managedfile.InUse, mf.State())
	local := mf.LocalPath

	err = reg.Remove(local, true)
	require.True(t, cmn.Is(err, cmn.AsyncScheduled))

	// Deletion must complete on its own once the last pin drops, rather
	// than only incidentally on the next capacity-driven eviction sweep:
	// a second Remove on the same path, with no further pins, now finds
	// nothing left to remove.
	mf.Unpin()
	require.Equal(t, managedfile.MarkedForDeletion, mf.State())

	err = reg.Remove(local, true)
	require.True(t, cmn.Is(err, cmn.CacheObjectNotFound))
}

func TestRemoveDeferredHonorsPhysicalFalse(t *testing.T) {
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	reg := newRegistryWithResidentFile(t, desc, "c/d", []byte("kept on disk"))
	_, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)

	mf, err := reg.GetOrLoad(desc, "c/d")
	require.NoError(t, err)
	local := mf.LocalPath

	err = reg.Remove(local, false)
	require.True(t, cmn.Is(err, cmn.AsyncScheduled))

	mf.Unpin()
	require.Equal(t, managedfile.MarkedForDeletion, mf.State())

	_, statErr := os.Stat(local)
	require.NoError(t, statErr, "physical=false must leave the local bytes in place")
}

func TestRegisterRemoteFsIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(t, false)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	first, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)
	second, err := reg.RegisterRemoteFs(desc)
	require.NoError(t, err)
	require.True(t, first.Equal(second))
}
