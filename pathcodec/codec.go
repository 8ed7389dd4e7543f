// Package pathcodec implements the reversible mapping between a remote
// object's (FileSystemDescriptor, remote-relative-path) pair and its
// canonical local path under the cache root (spec.md §3.2, §6.2).
//
// The on-disk layout mirrors (scheme, host, port, remote_path) so that,
// given nothing but a local path under the root, the network path can be
// reconstructed — this is what lets Registry.configure rebuild its index
// from a bare directory scan on restart. Grounded on the original
// uri-util.hpp / cache-layer-registry.cc round-trip contract.
package pathcodec

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dfscache/dfscache/fsdesc"
)

const emptyHostToken = "_"

// Codec binds the reversible local<->network mapping to one cache root.
type Codec struct {
	root string // absolute, cleaned, no trailing separator
}

// New returns a Codec rooted at root. root is cleaned with filepath.Clean;
// callers are expected to have already resolved it to an absolute path
// (Registry.configure follows symlinks once before constructing a Codec).
func New(root string) *Codec {
	return &Codec{root: filepath.Clean(root)}
}

func (c *Codec) Root() string { return c.root }

// LocalOf computes the canonical local path for (desc, remoteRel). The
// mapping is purely textual and deterministic: no filesystem access is
// performed, so it is safe to call before the object exists locally.
func (c *Codec) LocalOf(desc fsdesc.Descriptor, remoteRel string) string {
	host := desc.Host
	if host == "" {
		host = emptyHostToken
	}
	remoteRel = strings.TrimPrefix(remoteRel, "/")
	return filepath.Join(c.root, string(desc.Kind), host, strconv.Itoa(desc.Port), remoteRel)
}

// Reverse decodes a canonical local path back into (Descriptor, remoteRel).
// It returns an error if localPath is not rooted at c.root or its
// kind/host/port segments cannot be decoded — the caller (Registry
// reconstruction on startup) treats that as "skip this file", never as a
// fatal error.
func (c *Codec) Reverse(localPath string) (fsdesc.Descriptor, string, error) {
	clean := filepath.Clean(localPath)
	rel, err := filepath.Rel(c.root, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fsdesc.Descriptor{}, "", fmt.Errorf("pathcodec: %q is not under root %q", localPath, c.root)
	}
	parts := strings.SplitN(rel, string(filepath.Separator), 4)
	if len(parts) < 4 {
		return fsdesc.Descriptor{}, "", fmt.Errorf("pathcodec: %q has no kind/host/port/rel segments", localPath)
	}
	kind, host, portStr, remoteRel := parts[0], parts[1], parts[2], parts[3]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fsdesc.Descriptor{}, "", fmt.Errorf("pathcodec: %q has invalid port segment %q: %w", localPath, portStr, err)
	}
	if host == emptyHostToken {
		host = ""
	}
	desc := fsdesc.Descriptor{Kind: fsdesc.Kind(kind), Host: host, Port: port, Valid: true}
	return desc, remoteRel, nil
}

// NetworkPath renders the remote URI form "{scheme}://{host}[:{port}]/{rel}"
// used for logging, progress records, and the facade's public API.
func NetworkPath(desc fsdesc.Descriptor, remoteRel string) string {
	remoteRel = strings.TrimPrefix(remoteRel, "/")
	if desc.Port != 0 {
		return fmt.Sprintf("%s://%s:%d/%s", desc.Kind, desc.Host, desc.Port, remoteRel)
	}
	return fmt.Sprintf("%s://%s/%s", desc.Kind, desc.Host, remoteRel)
}
