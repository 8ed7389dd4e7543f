package downloader_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/iface"
	"github.com/dfscache/dfscache/internal/downloader"
	"github.com/dfscache/dfscache/managedfile"
)

// fakeConn serves a fixed byte slice, optionally failing the first N reads
// with an I/O error before succeeding, to exercise copyWithRetry's
// reopen-at-offset retry path.
type fakeConn struct {
	data        []byte
	failReads   int
	opens       int
	missing     bool
	statErr     error
}

func (c *fakeConn) Open(remoteRel string, offset int64) (io.ReadCloser, error) {
	c.opens++
	if c.failReads > 0 {
		c.failReads--
		return &flakyReader{err: errors.New("simulated remote read error")}, nil
	}
	return ioutil.NopCloser(bytes.NewReader(c.data[offset:])), nil
}

func (c *fakeConn) Stat(remoteRel string) (int64, bool, error) {
	if c.statErr != nil {
		return 0, false, c.statErr
	}
	if c.missing {
		return 0, false, nil
	}
	return int64(len(c.data)), true, nil
}

func (c *fakeConn) Close() error { return nil }

// flakyReader returns err on its first Read and then behaves as an empty
// stream; used to force exactly one retry cycle.
type flakyReader struct {
	err  error
	read bool
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return 0, r.err
	}
	return 0, io.EOF
}
func (r *flakyReader) Close() error { return nil }

type fakeRemoteFs struct{ conn *fakeConn }

func (rfs *fakeRemoteFs) Acquire(ctx context.Context, desc fsdesc.Descriptor) (iface.RemoteConn, error) {
	return rfs.conn, nil
}

// fakeLocalFs implements iface.LocalFs against a real temp directory so
// Rename/MkdirAll/Open behave exactly like the production localdisk
// adapter without pulling that package in as a test dependency.
type fakeLocalFs struct {
	mu         sync.Mutex
	removed    []string
	openErrs   map[string]error
	firstOpen  map[string]bool
}

func newFakeLocalFs() *fakeLocalFs {
	return &fakeLocalFs{openErrs: make(map[string]error), firstOpen: make(map[string]bool)}
}

func (l *fakeLocalFs) Open(path string, flag int, perm os.FileMode) (iface.LocalFile, error) {
	l.mu.Lock()
	if err, ok := l.openErrs[path]; ok && !l.firstOpen[path] {
		l.firstOpen[path] = true
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *fakeLocalFs) Stat(path string) (os.FileInfo, error)     { return os.Stat(path) }
func (l *fakeLocalFs) Rename(oldPath, newPath string) error      { return os.Rename(oldPath, newPath) }
func (l *fakeLocalFs) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (l *fakeLocalFs) List(dir string) ([]os.FileInfo, error)    { return ioutil.ReadDir(dir) }
func (l *fakeLocalFs) Chmod(path string, mode os.FileMode) error { return os.Chmod(path, mode) }
func (l *fakeLocalFs) Chown(path string, uid, gid int) error     { return nil }
func (l *fakeLocalFs) Remove(path string) error {
	l.mu.Lock()
	l.removed = append(l.removed, path)
	l.mu.Unlock()
	return os.Remove(path)
}

func newFile(t *testing.T, root string) (*managedfile.File, string) {
	t.Helper()
	local := filepath.Join(root, "a", "b")
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	f := managedfile.New(local, "hdfs://nn:8020/a/b", "a/b", desc, "")
	require.True(t, f.ClaimForDownload())
	return f, local
}

func TestPrepareHappyPath(t *testing.T) {
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	f, local := newFile(t, root)
	payload := []byte("hello cached world")
	conn := &fakeConn{data: payload}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())

	err = s.Prepare(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, managedfile.SyncJustHappened, f.State())
	require.EqualValues(t, len(payload), f.SizeLocal())

	got, err := ioutil.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPrepareRetriesOnceOnReadFailure(t *testing.T) {
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	f, _ := newFile(t, root)
	payload := []byte("retry me")
	conn := &fakeConn{data: payload, failReads: 1}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())
	s.RetryBackoff = time.Millisecond

	err = s.Prepare(context.Background(), f)
	require.NoError(t, err)
	require.GreaterOrEqual(t, conn.opens, 2)
}

func TestPrepareMissedRemotelyMarksForbidden(t *testing.T) {
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	f, _ := newFile(t, root)
	conn := &fakeConn{missing: true}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())

	err = s.Prepare(context.Background(), f)
	require.Error(t, err)
	require.True(t, cmn.Is(err, cmn.MissedRemotely))
	require.Equal(t, managedfile.Forbidden, f.State())
}

func TestPrepareStaleTmpFileIsDeletedAndRetried(t *testing.T) {
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	f, local := newFile(t, root)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	stale := local + "_tmp"
	require.NoError(t, ioutil.WriteFile(stale, []byte("leftover"), 0o644))

	payload := []byte("fresh bytes")
	conn := &fakeConn{data: payload}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())

	err = s.Prepare(context.Background(), f)
	require.NoError(t, err)

	got, err := ioutil.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPrepareTransformPipelineViaCat(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	local := filepath.Join(root, "x", "y")
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	f := managedfile.New(local, "hdfs://nn:8020/x/y", "x/y", desc, "/bin/cat")
	require.True(t, f.ClaimForDownload())

	payload := []byte("pass through cat unchanged")
	conn := &fakeConn{data: payload}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())

	err = s.Prepare(context.Background(), f)
	require.NoError(t, err)

	got, err := ioutil.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPrepareRejectsTransformWhenDisabled(t *testing.T) {
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	local := filepath.Join(root, "p", "q")
	desc := fsdesc.New(fsdesc.KindHDFS, "nn", 8020, "")
	f := managedfile.New(local, "hdfs://nn:8020/p/q", "p/q", desc, "/bin/cat")
	require.True(t, f.ClaimForDownload())

	conn := &fakeConn{data: []byte("irrelevant")}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())
	s.TransformEnabled = false

	err = s.Prepare(context.Background(), f)
	require.Error(t, err)
	require.True(t, cmn.Is(err, cmn.NotSupported))
}

func TestPrepareCancellationStopsTransfer(t *testing.T) {
	root, err := ioutil.TempDir("", "dfscache-downloader-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	f, _ := newFile(t, root)
	f.RequestCancel()

	conn := &fakeConn{data: []byte("some bytes that will not be fully read")}
	s := downloader.New(&fakeRemoteFs{conn: conn}, newFakeLocalFs())

	err = s.Prepare(context.Background(), f)
	require.Error(t, err)
	require.True(t, cmn.Is(err, cmn.Canceled))
}
