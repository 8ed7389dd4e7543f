// Package s3fs adapts Amazon S3 (and S3-compatible stores addressed via
// the s3n descriptor kind) to the iface.RemoteFs capability. Grounded on
// aistore's ais/cloud/aws.go: a lazily-created *session.Session and *s3.S3
// client per bucket, HeadObject for Stat, GetObject (with a Range header
// for resumed reads) for Open.
package s3fs

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/iface"
)

// Adapter serves the s3n descriptor kind, where Descriptor.Host carries
// the bucket name (spec.md leaves the remote_rel / descriptor split
// implementation-defined beyond "path within the remote fs").
type Adapter struct {
	mu      sync.Mutex
	clients map[string]*s3.S3 // keyed by bucket
}

func New() *Adapter { return &Adapter{clients: make(map[string]*s3.S3)} }

func (a *Adapter) client(bucket string) (*s3.S3, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[bucket]; ok {
		return c, nil
	}
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, err
	}
	c := s3.New(sess)
	a.clients[bucket] = c
	return c, nil
}

type conn struct {
	svc    *s3.S3
	bucket string
}

func (a *Adapter) Acquire(ctx context.Context, desc fsdesc.Descriptor) (iface.RemoteConn, error) {
	svc, err := a.client(desc.Host)
	if err != nil {
		return nil, err
	}
	return &conn{svc: svc, bucket: desc.Host}, nil
}

func (c *conn) Open(remoteRel string, offset int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(remoteRel),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := c.svc.GetObject(in)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (c *conn) Stat(remoteRel string) (int64, bool, error) {
	out, err := c.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(remoteRel),
	})
	if err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == 404 {
			return 0, false, nil
		}
		return 0, false, err
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return size, true, nil
}

func (c *conn) Close() error { return nil }
