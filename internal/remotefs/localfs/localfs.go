// Package localfs adapts the host filesystem itself as a "remote" source
// for the local descriptor kind — useful for tests and for caching
// same-host paths through the same pipeline as a true remote object.
// Grounded on rclone's local backend (_examples/rclone-rclone), which
// treats the OS filesystem as just another rclone.Fs with Open/Stat
// semantics identical to any networked backend.
package localfs

import (
	"context"
	"io"
	"os"

	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/iface"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

type conn struct{}

func (Adapter) Acquire(ctx context.Context, desc fsdesc.Descriptor) (iface.RemoteConn, error) {
	return conn{}, nil
}

func (conn) Open(remoteRel string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(remoteRel)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (conn) Stat(remoteRel string) (int64, bool, error) {
	fi, err := os.Stat(remoteRel)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return fi.Size(), true, nil
}

func (conn) Close() error { return nil }
