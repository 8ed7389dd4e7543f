// Package localdisk implements the LocalFs capability (spec.md §1) over
// the host's own filesystem. Grounded on aistore's fs/mountfs.go: the same
// create-dir-on-demand-tolerating-races idiom as CreateDir, and a staged
// rename-to-trash-then-background-remove for deletes, mirroring
// MountpathInfo.MoveToTrash so that a Drop() never blocks the evictor's
// goroutine on a large unlink.
package localdisk

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/dfscache/dfscache/cmn/mono"
	"github.com/dfscache/dfscache/iface"
)

const trashDirName = ".dfscache_trash"

// Disk is the OS-backed LocalFs implementation, rooted at a cache
// directory so deletes can be staged into a trash subdirectory of the
// same filesystem (a same-fs rename is atomic; a cross-fs one is not).
type Disk struct {
	root string
}

func New(root string) *Disk { return &Disk{root: root} }

var _ iface.LocalFs = (*Disk)(nil)

type osFile struct{ *os.File }

func (Disk) wrap(f *os.File) iface.LocalFile { return osFile{f} }

func (d *Disk) Open(path string, flag int, perm os.FileMode) (iface.LocalFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return d.wrap(f), nil
}

func (d *Disk) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (d *Disk) Rename(oldPath, newPath string) error {
	if err := CreateDir(filepath.Dir(newPath)); err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

// Remove stages path into the root's trash directory and schedules the
// actual unlink on a background goroutine, matching
// MountpathInfo.MoveToTrash's two-step "rename synchronously, delete
// asynchronously" contract. If path doesn't exist this is a no-op.
func (d *Disk) Remove(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	trash := filepath.Join(d.root, trashDirName)
	if err := CreateDir(trash); err != nil {
		return err
	}
	staged := filepath.Join(trash, fmt.Sprintf("%s-%d", filepath.Base(path), mono.NanoTime()))
	if err := os.Rename(path, staged); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Cross-device or other rename failure: fall back to a direct
		// remove rather than leaking the file untracked.
		return os.Remove(path)
	}
	go func() {
		if err := os.RemoveAll(staged); err != nil {
			glog.Errorf("localdisk: background removal of %q failed: %v", staged, err)
		}
	}()
	return nil
}

func (d *Disk) MkdirAll(path string, perm os.FileMode) error { return CreateDir(path) }

func (d *Disk) List(dir string) ([]os.FileInfo, error) { return ioutil.ReadDir(dir) }

func (d *Disk) Chmod(path string, mode os.FileMode) error { return os.Chmod(path, mode) }

func (d *Disk) Chown(path string, uid, gid int) error { return os.Chown(path, uid, gid) }

// CreateDir creates dir and any missing parents, tolerating the
// already-exists race the same way aistore's cmn.CreateDir does: a failed
// Mkdir is only an error if a subsequent Stat confirms the directory truly
// isn't there.
func CreateDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if fi, statErr := os.Stat(dir); statErr == nil && fi.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

// Access reports whether path exists, mirroring aistore's fs.Access
// helper used throughout mountfs.go.
func Access(path string) error {
	_, err := os.Stat(path)
	return err
}
