package fsdesc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfscache/dfscache/fsdesc"
)

func TestDescriptorString(t *testing.T) {
	d := fsdesc.New(fsdesc.KindS3N, "my-bucket", 0, "")
	require.Equal(t, "s3n://my-bucket:0", d.String())

	local := fsdesc.Local()
	require.Equal(t, "file://:0", local.String())
}

func TestDescriptorEqualIgnoresCredentials(t *testing.T) {
	a := fsdesc.New(fsdesc.KindHDFS, "nn1", 8020, "user:pass")
	b := fsdesc.New(fsdesc.KindHDFS, "nn1", 8020, "other:creds")
	require.True(t, a.Equal(b))

	c := fsdesc.New(fsdesc.KindHDFS, "nn2", 8020, "user:pass")
	require.False(t, a.Equal(c))
}

func TestIsDefault(t *testing.T) {
	d := fsdesc.New(fsdesc.KindDefault, "", 0, "")
	require.True(t, d.IsDefault())
	require.False(t, fsdesc.Local().IsDefault())
}
