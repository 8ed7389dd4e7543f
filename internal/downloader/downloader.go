// Package downloader implements the Sync component (spec.md §4.4): given
// a managed file claimed for download, it opens the remote object,
// streams bytes to a local temp file (optionally through a transform
// program), renames into place, and publishes the outcome.
//
// Grounded on aistore's downloader/download.go for the overall shape — a
// long-running task pulling bytes from an arbitrary remote source into a
// local byte file, reporting progress as it goes via a small
// progressReader-style wrapper — generalized from aistore's one-shot HTTP
// GET into the retry/backoff/transform pipeline spec.md §4.4 requires, and
// on the original sync-module.cc for the retry/backoff/integrity-check
// constants and the delete-and-retry-once handling of a stale temp file.
package downloader

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/iface"
	"github.com/dfscache/dfscache/managedfile"
)

// Tunables named explicitly in spec.md §4.4 and SPEC_FULL.md's
// retry-with-backoff supplement.
const (
	DefaultBufferSize   = 17 * cmn.KiB
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 2 * time.Second
)

// Sync is the downloader. One instance serves an entire Registry; prepare
// calls for distinct files run concurrently, bounded by whatever worker
// pool the caller (engine/internal/batch) dispatches through.
type Sync struct {
	Remote iface.RemoteFs
	Local  iface.LocalFs

	BufferSize   int
	MaxRetries   int
	RetryBackoff time.Duration
	RetryCooldown time.Duration

	// TransformEnabled gates the subprocess transform pipeline. An
	// environment that cannot spawn processes (spec.md's Design Notes,
	// TransformStage option (c)) sets this false; prepare() then reports
	// NotSupported for any file that names a transform command instead of
	// silently ignoring it.
	TransformEnabled bool
}

// New builds a Sync with the retry/buffer tunables spec.md and
// SPEC_FULL.md name explicitly, defaulting anything left zero.
func New(remote iface.RemoteFs, local iface.LocalFs) *Sync {
	return &Sync{
		Remote:           remote,
		Local:            local,
		BufferSize:       DefaultBufferSize,
		MaxRetries:       DefaultMaxRetries,
		RetryBackoff:     DefaultRetryBackoff,
		RetryCooldown:    30 * time.Second,
		TransformEnabled: true,
	}
}

// Dispatch runs Prepare on its own goroutine and is the function value the
// Registry's Dispatcher hook is wired to.
func (s *Sync) Dispatch(f *managedfile.File) {
	go func() {
		if err := s.Prepare(context.Background(), f); err != nil {
			glog.Warningf("downloader: prepare(%s) failed: %v", f.NetworkPath, err)
		}
	}()
}

// Prepare is the public operation spec.md §4.4 names: prepare(file) ->
// Result<(), Error>.
func (s *Sync) Prepare(ctx context.Context, f *managedfile.File) error {
	if f.TransformCmd != "" && !s.TransformEnabled {
		return s.fail(f, cmn.NotSupported, nil)
	}

	conn, err := s.Remote.Acquire(ctx, f.Descriptor)
	if err != nil {
		return s.fail(f, cmn.RemoteConnectionFailed, err)
	}
	defer conn.Close()

	size, exists, err := conn.Stat(f.RemoteRel)
	if err != nil {
		return s.fail(f, cmn.RemoteUnreachable, err)
	}
	if !exists {
		return s.fail(f, cmn.MissedRemotely, nil)
	}
	f.SetSizeRemoteEstimated(size)

	if err := s.Local.MkdirAll(filepath.Dir(f.LocalPath), 0o755); err != nil {
		return s.fail(f, cmn.LocalFileOpFailure, err)
	}

	tmpPath := f.LocalPath + "_tmp"
	tmpFile, err := s.openTempOnce(tmpPath)
	if err != nil {
		return s.fail(f, cmn.LocalFileOpFailure, err)
	}

	var (
		written    int64
		compatible bool
		copyErr    error
	)
	if f.TransformCmd != "" {
		written, copyErr = s.runTransform(ctx, f, conn, tmpFile)
		compatible = copyErr == nil // transform sets its own size contract
	} else {
		written, copyErr = s.copyWithRetry(ctx, f, conn, tmpFile, size)
		compatible = copyErr == nil && written == size
	}
	closeErr := tmpFile.Close()
	if copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		_ = s.Local.Remove(tmpPath)
		return s.fail(f, classify(copyErr), copyErr)
	}
	if f.TransformCmd == "" && written != size {
		_ = s.Local.Remove(tmpPath)
		return s.fail(f, cmn.InconsistentData, nil)
	}

	if err := s.Local.Rename(tmpPath, f.LocalPath); err != nil {
		_ = s.Local.Remove(tmpPath)
		return s.fail(f, cmn.LocalFileOpFailure, err)
	}

	f.PublishDownload(managedfile.DownloadResult{
		OK:         true,
		SizeLocal:  written,
		Compatible: compatible,
	}, s.RetryCooldown)
	return nil
}

// openTempOnce implements the Open Question's recommended resolution: if
// <local_path>_tmp already exists (a previous attempt left it behind,
// spec.md §9's open question), delete it and retry once rather than
// failing outright.
func (s *Sync) openTempOnce(tmpPath string) (iface.LocalFile, error) {
	f, err := s.Local.Open(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		return f, nil
	}
	if !os.IsExist(err) {
		return nil, err
	}
	if rmErr := s.Local.Remove(tmpPath); rmErr != nil {
		return nil, rmErr
	}
	return s.Local.Open(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

func (s *Sync) fail(f *managedfile.File, kind cmn.Kind, cause error) error {
	f.PublishDownload(managedfile.DownloadResult{OK: false, FailKind: kind, Cause: cause}, s.RetryCooldown)
	return cmn.NewStatus(kind, cause)
}

// canceledErr is the sentinel copyWithRetry/runTransform return when the
// file's cancellation flag was observed mid-transfer.
type canceledErr struct{}

func (canceledErr) Error() string { return "download canceled" }

// remoteIOErr wraps a read failure that survived every retry.
type remoteIOErr struct{ cause error }

func (e remoteIOErr) Error() string { return "remote io error: " + e.cause.Error() }
func (e remoteIOErr) Unwrap() error { return e.cause }

func classify(err error) cmn.Kind {
	switch err.(type) {
	case canceledErr:
		return cmn.Canceled
	case remoteIOErr:
		return cmn.RemoteIoError
	default:
		return cmn.LocalFileOpFailure
	}
}

// copyWithRetry is the no-transform happy path, spec.md §4.4 steps 3-6: a
// fixed-size buffer loop, incremental size reporting so the LRU's
// current_capacity sees growth live, cancellation checked at every buffer
// boundary, and up to MaxRetries reopen+seek retries on a read failure.
func (s *Sync) copyWithRetry(ctx context.Context, f *managedfile.File, conn iface.RemoteConn, dst io.Writer, expected int64) (int64, error) {
	buf := make([]byte, s.bufSize())
	var written int64
	attempt := 0

	stream, err := conn.Open(f.RemoteRel, 0)
	if err != nil {
		return written, remoteIOErr{err}
	}
	defer stream.Close()

	for {
		if f.Canceled() {
			return written, canceledErr{}
		}
		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			f.ReportProgress(written)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			attempt++
			if attempt > s.maxRetries() {
				return written, remoteIOErr{rerr}
			}
			glog.Warningf("downloader: read error on %s (attempt %d/%d): %v", f.NetworkPath, attempt, s.maxRetries(), rerr)
			stream.Close()
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(s.backoff()):
			}
			if f.Canceled() {
				return written, canceledErr{}
			}
			stream, err = conn.Open(f.RemoteRel, written)
			if err != nil {
				return written, remoteIOErr{err}
			}
		}
		if expected > 0 && written >= expected {
			// Some remote streams don't return io.EOF precisely at the
			// expected length (e.g. an HTTP body that over-reports
			// Content-Length); treat reaching the expected size as
			// end-of-stream so the integrity check above runs cleanly.
			return written, nil
		}
	}
}

func (s *Sync) bufSize() int {
	if s.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return s.BufferSize
}

func (s *Sync) maxRetries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

func (s *Sync) backoff() time.Duration {
	if s.RetryBackoff <= 0 {
		return DefaultRetryBackoff
	}
	return s.RetryBackoff
}

// runTransform implements spec.md §4.4's transform pipeline: fork
// TransformCmd with a duplex pipe, a forwarder goroutine pumping remote
// bytes into the child's stdin (same retry/cancellation policy as the
// no-transform path), and the parent reading the child's stdout directly
// into the temp file. Go's os/exec already multiplexes stdout reads
// against the child's lifetime, so the "non-blocking select/poll on
// stdout" spec.md describes at the C level is simply a blocking Read on
// cmd.StdoutPipe() here — same contract, idiomatic Go shape.
func (s *Sync) runTransform(ctx context.Context, f *managedfile.File, conn iface.RemoteConn, dst io.Writer) (int64, error) {
	args, err := tokenize(f.TransformCmd)
	if err != nil || len(args) == 0 {
		return 0, remoteIOErr{err}
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	forwardErrCh := make(chan error, 1)
	go func() {
		_, ferr := s.copyWithRetry(ctx, f, conn, stdin, f.SizeRemoteEstimated())
		closeErr := stdin.Close()
		if ferr == nil {
			ferr = closeErr
		}
		forwardErrCh <- ferr
	}()

	buf := make([]byte, s.bufSize())
	var written int64
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_ = cmd.Wait()
				return written, werr
			}
			written += int64(n)
			f.ReportProgress(written)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = cmd.Wait()
			return written, rerr
		}
	}

	waitErr := cmd.Wait()
	fwdErr := <-forwardErrCh
	if fwdErr != nil {
		return written, fwdErr
	}
	if waitErr != nil {
		return written, waitErr
	}
	return written, nil
}

// tokenize splits a transform command into argv the way a shell would,
// without invoking a shell — spec.md §4.4 step 1's "shell-like tokenizer
// (no shell involvement)". Handles single and double quoted segments;
// that covers every transform_cmd shape the original sync-module.cc
// constructs (a binary path plus flag arguments).
func tokenize(s string) ([]string, error) {
	var (
		args    []string
		cur     []rune
		inQuote rune
		started bool
	)
	flush := func() {
		if started {
			args = append(args, string(cur))
		}
		cur = cur[:0]
		started = false
	}
	for _, r := range s {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			} else {
				cur = append(cur, r)
			}
		case r == '\'' || r == '"':
			inQuote = r
			started = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur = append(cur, r)
			started = true
		}
	}
	flush()
	return args, nil
}
