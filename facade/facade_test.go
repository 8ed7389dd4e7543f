package facade_test

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/facade"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/internal/localdisk"
	"github.com/dfscache/dfscache/managedfile"
	"github.com/dfscache/dfscache/registry"
)

// dispatcherFunc resolves a claimed file as if downloaded successfully
// with a fixed payload, or fails it, without pulling in the downloader's
// retry machinery.
func dispatcherFunc(payload []byte, fail bool) registry.Dispatcher {
	return func(f *managedfile.File) {
		go func() {
			if fail {
				f.PublishDownload(managedfile.DownloadResult{OK: false, FailKind: cmn.MissedRemotely}, time.Hour)
				return
			}
			f.PublishDownload(managedfile.DownloadResult{OK: true, SizeLocal: int64(len(payload)), Compatible: true}, time.Second)
		}()
	}
}

func newFacade(t *testing.T, fail bool, payload []byte) (*facade.Facade, *registry.Registry, string) {
	t.Helper()
	root, err := ioutil.TempDir("", "dfscache-facade-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	disk := localdisk.New(root)
	reg := registry.New(dispatcherFunc(payload, fail), nil, disk.Remove)
	require.NoError(t, reg.Configure(root, 1<<30, time.Hour, time.Hour, 50*time.Millisecond, true))
	_, err = reg.RegisterRemoteFs(fsdesc.New(fsdesc.KindHDFS, "nn", 8020, ""))
	require.NoError(t, err)

	fc := facade.New(reg, disk)
	return fc, reg, root
}

func TestOpenReadClose(t *testing.T) {
	payload := []byte("resident bytes")
	fc, reg, _ := newFacade(t, false, payload)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	local := reg.Codec().LocalOf(desc, "a/b")
	require.NoError(t, os.MkdirAll(dirname(local), 0o755))
	require.NoError(t, ioutil.WriteFile(local, payload, 0o644))

	id, err := fc.Open(desc, "a/b", facade.ORDONLY)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := fc.Read(id, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	require.NoError(t, fc.Close(id))

	_, err = fc.Read(id, buf)
	require.Error(t, err)
}

func TestOpenRejectsReadWrite(t *testing.T) {
	fc, _, _ := newFacade(t, false, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	_, err := fc.Open(desc, "a/b", facade.ORDWR)
	require.True(t, cmn.Is(err, cmn.NotSupported))
}

func TestOpenRejectsExclCreate(t *testing.T) {
	fc, _, _ := newFacade(t, false, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	_, err := fc.Open(desc, "a/b", facade.OEXCL|facade.OCREAT)
	require.True(t, cmn.Is(err, cmn.NotSupported))
}

func TestOpenCreatesPlaceholderOnRemoteMiss(t *testing.T) {
	fc, reg, _ := newFacade(t, true, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	id, err := fc.Open(desc, "missing/obj", facade.ORDONLY|facade.OCREAT)
	require.NoError(t, err)

	local := reg.Codec().LocalOf(desc, "missing/obj")
	_, statErr := os.Stat(local)
	require.NoError(t, statErr, "placeholder must exist while the handle is open")

	require.NoError(t, fc.Close(id))
}

// TestCloseRemovesPlaceholderAfterRemoteMiss is the seeded end-to-end
// scenario of opening a file that does not exist remotely: the handle is
// valid while open, and closing it removes the placeholder rather than
// leaving a zero-byte file behind as permanent cache debris.
func TestCloseRemovesPlaceholderAfterRemoteMiss(t *testing.T) {
	fc, reg, _ := newFacade(t, true, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	id, err := fc.Open(desc, "missing/obj", facade.ORDONLY|facade.OCREAT)
	require.NoError(t, err)
	require.NoError(t, fc.Close(id))

	local := reg.Codec().LocalOf(desc, "missing/obj")
	_, statErr := os.Stat(local)
	require.True(t, os.IsNotExist(statErr))
}

func TestOpenWithoutCreateSurfacesMiss(t *testing.T) {
	fc, _, _ := newFacade(t, true, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	_, err := fc.Open(desc, "missing/obj", facade.ORDONLY)
	require.Error(t, err)
}

func TestSeekAndTell(t *testing.T) {
	payload := []byte("0123456789")
	fc, reg, _ := newFacade(t, false, payload)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	local := reg.Codec().LocalOf(desc, "seek/me")
	require.NoError(t, os.MkdirAll(dirname(local), 0o755))
	require.NoError(t, ioutil.WriteFile(local, payload, 0o644))

	id, err := fc.Open(desc, "seek/me", facade.ORDONLY)
	require.NoError(t, err)
	defer fc.Close(id)

	pos, err := fc.Seek(id, 5, os.SEEK_SET)
	require.NoError(t, err)
	require.EqualValues(t, 5, pos)

	told, err := fc.Tell(id)
	require.NoError(t, err)
	require.EqualValues(t, 5, told)

	buf := make([]byte, 5)
	n, err := fc.Read(id, buf)
	require.NoError(t, err)
	require.Equal(t, "56789", string(buf[:n]))
}

func TestStatListDeleteRenameRequireResidentFile(t *testing.T) {
	fc, _, _ := newFacade(t, false, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	_, err := fc.Stat(desc, "nowhere")
	require.True(t, cmn.Is(err, cmn.ObjectDoesNotExist))

	_, err = fc.List(desc, "nowhere")
	require.True(t, cmn.Is(err, cmn.ObjectDoesNotExist))

	err = fc.Delete(desc, "nowhere")
	require.True(t, cmn.Is(err, cmn.ObjectDoesNotExist))

	err = fc.Rename(desc, "nowhere", "elsewhere")
	require.True(t, cmn.Is(err, cmn.ObjectDoesNotExist))
}

func TestDeleteRemovesResidentFile(t *testing.T) {
	payload := []byte("bye")
	fc, reg, _ := newFacade(t, false, payload)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	local := reg.Codec().LocalOf(desc, "gone/soon")
	require.NoError(t, os.MkdirAll(dirname(local), 0o755))
	require.NoError(t, ioutil.WriteFile(local, payload, 0o644))

	err := fc.Delete(desc, "gone/soon")
	require.NoError(t, err)

	_, statErr := os.Stat(local)
	require.True(t, os.IsNotExist(statErr))
}

func TestMkdirCreatesDirectory(t *testing.T) {
	fc, reg, _ := newFacade(t, false, nil)
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")

	err := fc.Mkdir(desc, "brand/new/dir")
	require.NoError(t, err)

	local := reg.Codec().LocalOf(desc, "brand/new/dir")
	fi, statErr := os.Stat(local)
	require.NoError(t, statErr)
	require.True(t, fi.IsDir())
}

func dirname(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == os.PathSeparator {
			return p[:i]
		}
	}
	return "."
}
