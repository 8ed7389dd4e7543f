// Package facade implements the engine-facing file-handle API (spec.md
// §4.5, §6.1): open/read/seek/tell/write/close/list/stat/delete/rename/
// mkdir/chmod/chown. Every entry point resolves (descriptor, remote path)
// to a managed file via the Registry and then forwards to the LocalFs;
// only Open (on miss) and the batch Prepare API drive the Downloader.
//
// Grounded on the original dfs-cache.h/.cc C API surface (the same
// resolve-then-delegate shape, one function per POSIX-like operation) and
// on aistore's api/object.go client-facing method set for naming and
// error-return conventions.
package facade

import (
	"io"
	"os"
	"sync"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/iface"
	"github.com/dfscache/dfscache/managedfile"
	"github.com/dfscache/dfscache/registry"
)

// Open flags, spec.md §6.1. O_RDWR and O_EXCL|O_CREAT are rejected with
// NotSupported — the cache never serves a writable view of a file it also
// trusts as a faithful remote copy.
const (
	ORDONLY = os.O_RDONLY
	OWRONLY = os.O_WRONLY
	OCREAT  = os.O_CREATE
	ORDWR   = os.O_RDWR
	OEXCL   = os.O_EXCL
)

// Facade is the engine-facing API. One Facade serves one configured
// Registry/cache root.
type Facade struct {
	reg   *registry.Registry
	local iface.LocalFs

	mu      sync.Mutex
	handles map[int64]*handle
	nextID  int64
}

func New(reg *registry.Registry, local iface.LocalFs) *Facade {
	return &Facade{reg: reg, local: local, handles: make(map[int64]*handle)}
}

// handle is the opaque file handle returned to callers, pairing a pinned
// managed file with the local byte-file descriptor serving its I/O.
type handle struct {
	id        int64
	mf        *managedfile.File
	file      iface.LocalFile
	desc      fsdesc.Descriptor
	rel       string
	localPath string
}

// Open resolves (desc, path) via the Registry — loading the object on a
// miss — and opens the local byte file for client I/O.
//
// O_CREAT with the object absent remotely is the one documented
// open question from spec.md §9: the original dfs-cache creates an empty
// local placeholder and reports it available. That behavior is preserved
// here only when flags carries O_CREAT; otherwise the Registry's error (a
// failed download surfaces as CacheObjectForbidden) is returned as is
// rather than silently fabricating a zero-byte file.
func (fc *Facade) Open(desc fsdesc.Descriptor, path string, flags int) (int64, error) {
	if flags&ORDWR != 0 {
		return 0, cmn.NewStatus(cmn.NotSupported, nil)
	}
	if flags&OEXCL != 0 && flags&OCREAT != 0 {
		return 0, cmn.NewStatus(cmn.NotSupported, nil)
	}

	mf, err := fc.reg.GetOrLoad(desc, path)
	if err != nil {
		if flags&OCREAT == 0 {
			return 0, err
		}
		if !cmn.Is(err, cmn.CacheObjectForbidden) {
			return 0, err
		}
		// Remote object missing (classified Forbidden/MissedRemotely by
		// the downloader) and the caller asked for O_CREAT: materialize
		// an empty local placeholder, matching the preserved legacy
		// behavior spec.md §9 documents.
		localPath := fc.reg.Codec().LocalOf(desc, path)
		if mkErr := fc.local.MkdirAll(dirOf(localPath), 0o755); mkErr != nil {
			return 0, cmn.NewStatus(cmn.LocalFileOpFailure, mkErr)
		}
		f, openErr := fc.local.Open(localPath, os.O_CREATE|os.O_RDWR, 0o644)
		if openErr != nil {
			return 0, cmn.NewStatus(cmn.LocalFileOpFailure, openErr)
		}
		return fc.register(nil, f, desc, path, localPath), nil
	}

	osFlags := os.O_RDONLY
	if flags&OWRONLY != 0 {
		osFlags = os.O_WRONLY
	}
	f, err := fc.local.Open(mf.LocalPath, osFlags, 0o644)
	if err != nil {
		mf.Unpin()
		return 0, cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	return fc.register(mf, f, desc, path, mf.LocalPath), nil
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == os.PathSeparator {
			return p[:i]
		}
	}
	return "."
}

func (fc *Facade) register(mf *managedfile.File, f iface.LocalFile, desc fsdesc.Descriptor, rel, localPath string) int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.nextID++
	id := fc.nextID
	fc.handles[id] = &handle{id: id, mf: mf, file: f, desc: desc, rel: rel, localPath: localPath}
	return id
}

func (fc *Facade) lookup(id int64) (*handle, error) {
	fc.mu.Lock()
	h, ok := fc.handles[id]
	fc.mu.Unlock()
	if !ok {
		return nil, cmn.NewStatus(cmn.RequestNotFound, nil)
	}
	return h, nil
}

func (fc *Facade) Read(id int64, buf []byte) (int, error) {
	h, err := fc.lookup(id)
	if err != nil {
		return 0, err
	}
	n, err := h.file.Read(buf)
	if err != nil && err != io.EOF {
		return n, cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	if h.mf != nil {
		h.mf.Touch()
	}
	return n, err
}

func (fc *Facade) Write(id int64, buf []byte) (int, error) {
	h, err := fc.lookup(id)
	if err != nil {
		return 0, err
	}
	n, werr := h.file.Write(buf)
	if werr != nil {
		return n, cmn.NewStatus(cmn.LocalFileOpFailure, werr)
	}
	return n, nil
}

func (fc *Facade) Seek(id int64, offset int64, whence int) (int64, error) {
	h, err := fc.lookup(id)
	if err != nil {
		return 0, err
	}
	n, serr := h.file.Seek(offset, whence)
	if serr != nil {
		return 0, cmn.NewStatus(cmn.LocalFileOpFailure, serr)
	}
	return n, nil
}

func (fc *Facade) Tell(id int64) (int64, error) {
	return fc.Seek(id, 0, io.SeekCurrent)
}

// Close releases the local file handle and unpins the managed file, if
// any. A placeholder created via O_CREAT on a remote miss has no pin to
// release and no Registry record to keep around; its local bytes are
// removed instead, matching the seeded scenario of opening a file that
// doesn't exist remotely and having it disappear again on close.
func (fc *Facade) Close(id int64) error {
	fc.mu.Lock()
	h, ok := fc.handles[id]
	if ok {
		delete(fc.handles, id)
	}
	fc.mu.Unlock()
	if !ok {
		return cmn.NewStatus(cmn.RequestNotFound, nil)
	}
	err := h.file.Close()
	if h.mf != nil {
		h.mf.Unpin()
	} else if rmErr := fc.local.Remove(h.localPath); rmErr != nil && err == nil {
		err = rmErr
	}
	if err != nil {
		return cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	return nil
}

// residentPath resolves (desc, path) to a local path without driving the
// Downloader — every entry point but Open requires the object already be
// resident, per spec.md §4.5.
func (fc *Facade) residentPath(desc fsdesc.Descriptor, path string) (string, error) {
	codec := fc.reg.Codec()
	if codec == nil {
		return "", cmn.NewStatus(cmn.AdapterNotConfigured, nil)
	}
	localPath := codec.LocalOf(desc, path)
	if _, err := fc.local.Stat(localPath); err != nil {
		return "", cmn.NewStatus(cmn.ObjectDoesNotExist, err)
	}
	return localPath, nil
}

func (fc *Facade) Stat(desc fsdesc.Descriptor, path string) (os.FileInfo, error) {
	localPath, err := fc.residentPath(desc, path)
	if err != nil {
		return nil, err
	}
	fi, statErr := fc.local.Stat(localPath)
	if statErr != nil {
		return nil, cmn.NewStatus(cmn.LocalFileOpFailure, statErr)
	}
	return fi, nil
}

func (fc *Facade) List(desc fsdesc.Descriptor, dirPath string) ([]os.FileInfo, error) {
	localPath, err := fc.residentPath(desc, dirPath)
	if err != nil {
		return nil, err
	}
	infos, lerr := fc.local.List(localPath)
	if lerr != nil {
		return nil, cmn.NewStatus(cmn.LocalFileOpFailure, lerr)
	}
	return infos, nil
}

func (fc *Facade) Delete(desc fsdesc.Descriptor, path string) error {
	localPath, err := fc.residentPath(desc, path)
	if err != nil {
		return err
	}
	return fc.reg.Remove(localPath, true)
}

func (fc *Facade) Rename(desc fsdesc.Descriptor, fromPath, toPath string) error {
	fromLocal, err := fc.residentPath(desc, fromPath)
	if err != nil {
		return err
	}
	toLocal := fc.reg.Codec().LocalOf(desc, toPath)
	if err := fc.local.Rename(fromLocal, toLocal); err != nil {
		return cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	return nil
}

func (fc *Facade) Mkdir(desc fsdesc.Descriptor, path string) error {
	localPath := fc.reg.Codec().LocalOf(desc, path)
	if err := fc.local.MkdirAll(localPath, 0o755); err != nil {
		return cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	return nil
}

func (fc *Facade) Chmod(desc fsdesc.Descriptor, path string, mode os.FileMode) error {
	localPath, err := fc.residentPath(desc, path)
	if err != nil {
		return err
	}
	if err := fc.local.Chmod(localPath, mode); err != nil {
		return cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	return nil
}

func (fc *Facade) Chown(desc fsdesc.Descriptor, path string, uid, gid int) error {
	localPath, err := fc.residentPath(desc, path)
	if err != nil {
		return err
	}
	if err := fc.local.Chown(localPath, uid, gid); err != nil {
		return cmn.NewStatus(cmn.LocalFileOpFailure, err)
	}
	return nil
}
