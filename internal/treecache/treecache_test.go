package treecache

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epi/ext4rescue/internal/filetree"
)

func buildSampleTree() *filetree.FileTree {
	tree := filetree.New()
	root := tree.GetOrCreate(2, filetree.Directory)
	root.LinkCount = 3
	root.InodeOk = true
	root.BlockMapOk = true

	sub := tree.GetOrCreate(12, filetree.Directory)
	sub.LinkCount = 2
	sub.InodeOk = true
	sub.BlockMapOk = true
	name := "foobar"
	sub.Name = &name
	tree.AssociateParent(sub, 2)

	f := tree.GetOrCreate(13, filetree.RegularFile)
	f.LinkCount = 1
	f.InodeOk = true
	f.BlockMapOk = true
	f.MappedBytes = 4096
	f.ReachableBytes = 4096
	f.ReadableBytes = 4096
	tree.AddLink(f, 12, "data.bin")

	return tree
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tree := buildSampleTree()
	id := Identity{ImagePath: "/img/disk.raw", ImageMtime: time.Unix(1000, 0), DdrescuePath: ""}

	var buf bytes.Buffer
	require.NoError(t, encode(&buf, id, tree))

	got, err := decode(&buf, id)
	require.NoError(t, err)

	require.Equal(t, tree.Len(), got.Len())

	origSub, _ := tree.Get(12)
	gotSub, ok := got.Get(12)
	require.True(t, ok)
	assert.Equal(t, *origSub.Name, *gotSub.Name)
	assert.Equal(t, *origSub.Parent, *gotSub.Parent)
	assert.Equal(t, origSub.LinkCount, gotSub.LinkCount)

	origFile, _ := tree.Get(13)
	gotFile, ok := got.Get(13)
	require.True(t, ok)
	require.Len(t, gotFile.Links, 1)
	assert.Equal(t, origFile.Links[0], gotFile.Links[0])
	assert.Equal(t, origFile.ReachableBytes, gotFile.ReachableBytes)
}

func TestDecodeRejectsPathMismatch(t *testing.T) {
	tree := buildSampleTree()
	id := Identity{ImagePath: "/img/disk.raw"}
	var buf bytes.Buffer
	require.NoError(t, encode(&buf, id, tree))

	_, err := decode(&buf, Identity{ImagePath: "/other/disk.raw"})
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := bytes.NewBufferString("1/x/y\n")
	_, err := decode(buf, Identity{})
	assert.Error(t, err)
}

func TestLoadReturnsErrNoCacheForMissingFile(t *testing.T) {
	dir := t.TempDir()
	// Point HOME somewhere with no cache directory populated.
	t.Setenv("HOME", dir)
	id := Identity{ImagePath: "/does/not/exist.raw", ImageMtime: time.Unix(1, 0)}
	_, err := Load(id, logrus.StandardLogger())
	assert.ErrorIs(t, err, ErrNoCache)
}

func TestLoadFinalizesStatusOnCacheHit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	tree := buildSampleTree()
	damaged, _ := tree.Get(13)
	damaged.InodeOk = false
	require.False(t, filetree.DeriveStatus(damaged).Ok())

	id := Identity{ImagePath: "/img/disk.raw", ImageMtime: time.Unix(1000, 0)}
	log := logrus.StandardLogger()
	require.NoError(t, Save(id, tree, log))

	loaded, err := Load(id, log)
	require.NoError(t, err)

	got, ok := loaded.Get(13)
	require.True(t, ok)
	assert.False(t, got.Status.Ok(), "cache-hit tree must carry recomputed Status, not the zero value")
	assert.Equal(t, filetree.DeriveStatus(damaged), got.Status)

	root, ok := loaded.Get(2)
	require.True(t, ok)
	assert.True(t, root.Status.Ok())
}
