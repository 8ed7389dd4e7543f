// Package fsdesc implements the FileSystemDescriptor identifier for a
// remote filesystem (spec.md §3.1), grounded on the original
// filesystem-descriptor-bound.{hpp,cc} and namenode-descriptor-bound.{hpp,cc}
// pair and on aistore's cmn.Bck — a small, comparable, string-formattable
// value type that identifies a storage location and is used as a map key
// throughout the registry and remote-fs factory.
package fsdesc

import "fmt"

// Kind enumerates the supported remote filesystem families.
type Kind string

const (
	KindHDFS    Kind = "hdfs"
	KindS3N     Kind = "s3n"
	KindLocal   Kind = "local"
	KindDefault Kind = "default"
	KindOther   Kind = "other"

	// KindAzure and KindGCS are extensions of KindOther: spec.md §3.1 only
	// enumerates hdfs/s3n/local/default/other, but the on-disk layout and
	// registry map work unchanged for any additional concrete kind string,
	// so SPEC_FULL.md's supplemented adapters get their own kind values
	// rather than being crammed under the single "other" directory.
	KindAzure Kind = "azure"
	KindGCS   Kind = "gcs"
)

// Descriptor identifies a remote filesystem: (kind, host, port), plus
// optional credentials. Valid is the "null" marker — a zero Descriptor is
// not a descriptor of anything until Valid is set.
type Descriptor struct {
	Kind        Kind
	Host        string
	Port        int
	Credentials string
	Valid       bool
}

// New builds a valid Descriptor.
func New(kind Kind, host string, port int, credentials string) Descriptor {
	return Descriptor{Kind: kind, Host: host, Port: port, Credentials: credentials, Valid: true}
}

// Local returns the canonical descriptor for the local filesystem: kind
// KindLocal (rendered as "file" by String), empty host, port 0.
func Local() Descriptor {
	return Descriptor{Kind: KindLocal, Host: "", Port: 0, Valid: true}
}

// String renders the canonical "{kind}://{host}:{port}" form used to key
// the registry's per-filesystem index and the on-disk directory layout.
// The local kind renders as "file" with an empty host, per spec.md §3.1.
func (d Descriptor) String() string {
	kind := string(d.Kind)
	host := d.Host
	if d.Kind == KindLocal {
		kind = "file"
		host = ""
	}
	return fmt.Sprintf("%s://%s:%d", kind, host, d.Port)
}

// Equal reports descriptor equality: kind, host and port must all match.
// Credentials are deliberately excluded — two descriptors naming the same
// host differing only in credentials address the same remote filesystem.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Kind == o.Kind && d.Host == o.Host && d.Port == o.Port
}

// IsDefault reports whether this descriptor is the unresolved
// "cluster-default" placeholder that register_remote_fs must resolve
// through the adapter layer before use.
func (d Descriptor) IsDefault() bool {
	return d.Kind == KindDefault
}
