package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestStoreBlobIsIdempotent(t *testing.T) {
	cas, err := storage.NewLocalCAS(t.TempDir(), digest.NewFunction(true))
	require.NoError(t, err)

	d1, err := cas.StoreBlob([]byte("hi\n"), false)
	require.NoError(t, err)
	d2, err := cas.StoreBlob([]byte("hi\n"), false)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	data, ok := cas.ReadBlob(d1, false)
	require.True(t, ok)
	require.Equal(t, []byte("hi\n"), data)
}

func TestBlobPathSeparatesExecutables(t *testing.T) {
	cas, err := storage.NewLocalCAS(t.TempDir(), digest.NewFunction(true))
	require.NoError(t, err)

	d, err := cas.StoreBlob([]byte("#!/bin/sh\n"), true)
	require.NoError(t, err)

	_, ok := cas.BlobPath(d, false)
	require.False(t, ok)
	path, ok := cas.BlobPath(d, true)
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111)
}

func TestTreePathAliasesBlobsInCompatibleMode(t *testing.T) {
	root := t.TempDir()
	cas, err := storage.NewLocalCAS(root, digest.NewFunction(true))
	require.NoError(t, err)

	d, err := cas.StoreTree([]byte("directory message"))
	require.NoError(t, err)
	require.Equal(t, digest.KindTree, d.Kind)

	path, ok := cas.TreePath(d)
	require.True(t, ok)
	require.Equal(t, filepath.Join(root, "blobs"), filepath.Dir(path))
}

func TestTreePathNativeMode(t *testing.T) {
	cas, err := storage.NewLocalCAS(t.TempDir(), digest.NewFunction(false))
	require.NoError(t, err)

	d, err := cas.StoreTree([]byte("tree payload"))
	require.NoError(t, err)

	_, ok := cas.TreePath(d)
	require.True(t, ok)
	// The tree does not show up through the blob lookup.
	_, ok = cas.BlobPath(d, false)
	require.False(t, ok)
	// But the wire-level lookup used by the CAS services finds it.
	_, ok = cas.LookupAny(digest.Unprefix(d.Hash))
	require.True(t, ok)
}

func TestActionResultOverwrite(t *testing.T) {
	cas, err := storage.NewLocalCAS(t.TempDir(), digest.NewFunction(true))
	require.NoError(t, err)
	actionDigest := cas.Function().FromData([]byte("action"), digest.KindBlob)

	_, ok := cas.GetActionResult(actionDigest)
	require.False(t, ok)

	require.NoError(t, cas.PutActionResult(actionDigest, &remoteexecution.ActionResult{ExitCode: 1}))
	result, ok := cas.GetActionResult(actionDigest)
	require.True(t, ok)
	require.Equal(t, int32(1), result.ExitCode)

	require.NoError(t, cas.PutActionResult(actionDigest, &remoteexecution.ActionResult{ExitCode: 0}))
	result, ok = cas.GetActionResult(actionDigest)
	require.True(t, ok)
	require.Equal(t, int32(0), result.ExitCode)
}

func TestGarbageCollectorLockSides(t *testing.T) {
	root := t.TempDir()
	gc := storage.NewGarbageCollector(root)

	// Two shared holders coexist.
	a, err := gc.SharedLock()
	require.NoError(t, err)
	b, err := gc.SharedLock()
	require.NoError(t, err)

	// The exclusive side is unavailable while readers hold it.
	_, err = gc.ExclusiveLock()
	require.Error(t, err)

	a.Release()
	b.Release()
	excl, err := gc.ExclusiveLock()
	require.NoError(t, err)

	// And shared acquisition failing signals the collector.
	_, err = gc.SharedLock()
	require.Error(t, err)
	excl.Release()

	c, err := gc.SharedLock()
	require.NoError(t, err)
	c.Release()
	c.Release()
}
