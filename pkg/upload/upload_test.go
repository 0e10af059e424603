package upload_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/remote"
	"github.com/justserved/just-served/pkg/treeconv"
	"github.com/justserved/just-served/pkg/upload"
)

// fakeAPI implements the upload API over an in-memory blob set,
// recording every call for ordering assertions.
type fakeAPI struct {
	function digest.Function
	stored   map[string][]byte

	findMissingCalls [][]digest.Digest
	uploadCalls      [][]remote.Blob
	skipFlags        []bool
}

func newFakeAPI(function digest.Function) *fakeAPI {
	return &fakeAPI{function: function, stored: map[string][]byte{}}
}

func (f *fakeAPI) Function() digest.Function {
	return f.function
}

func (f *fakeAPI) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	f.findMissingCalls = append(f.findMissingCalls, digests)
	var missing []digest.Digest
	for _, d := range digests {
		if _, ok := f.stored[d.Hash]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (f *fakeAPI) UploadBlobs(ctx context.Context, blobs []remote.Blob, skipFindMissing bool) error {
	f.uploadCalls = append(f.uploadCalls, blobs)
	f.skipFlags = append(f.skipFlags, skipFindMissing)
	for _, b := range blobs {
		f.stored[b.Digest.Hash] = b.Data
	}
	return nil
}

func (f *fakeAPI) IsAvailable(ctx context.Context, d digest.Digest) (bool, error) {
	_, ok := f.stored[d.Hash]
	return ok, nil
}

func twoFileRoot(t *testing.T) *treeconv.DirectoryTree {
	t.Helper()
	root := treeconv.NewDirectoryTree()
	require.True(t, root.AddFile("a", []byte("hi\n"), false))
	require.True(t, root.AddFile("b", []byte("bye\n"), false))
	return root
}

func TestUploadTreeNativeTwoFiles(t *testing.T) {
	function := digest.NewFunction(false)
	api := newFakeAPI(function)

	rootDigest, err := upload.UploadTreeNative(context.Background(), api, twoFileRoot(t))
	require.NoError(t, err)
	require.True(t, rootDigest.IsTree())

	// Both file blobs and the tree blob are now available.
	for _, data := range [][]byte{[]byte("hi\n"), []byte("bye\n")} {
		d := function.FromData(data, digest.KindBlob)
		require.Contains(t, api.stored, d.Hash)
	}
	missing, err := api.FindMissingBlobs(context.Background(), []digest.Digest{rootDigest})
	require.NoError(t, err)
	require.Empty(t, missing)

	// Every upload during the native walk skips the redundant
	// find-missing probe, and the root tree blob goes last.
	require.NotEmpty(t, api.uploadCalls)
	for _, skip := range api.skipFlags {
		require.True(t, skip)
	}
	lastCall := api.uploadCalls[len(api.uploadCalls)-1]
	require.Len(t, lastCall, 1)
	require.Equal(t, rootDigest, lastCall[0].Digest)
}

func TestUploadTreeNativeIsIdempotent(t *testing.T) {
	function := digest.NewFunction(false)
	api := newFakeAPI(function)
	ctx := context.Background()

	first, err := upload.UploadTreeNative(ctx, api, twoFileRoot(t))
	require.NoError(t, err)
	uploadsAfterFirst := len(api.uploadCalls)

	second, err := upload.UploadTreeNative(ctx, api, twoFileRoot(t))
	require.NoError(t, err)
	require.Equal(t, first, second)
	// The root tree blob was already available; nothing re-uploads.
	require.Equal(t, uploadsAfterFirst, len(api.uploadCalls))
}

func TestUploadTreeNativeUploadsParentsAfterChildren(t *testing.T) {
	function := digest.NewFunction(false)
	api := newFakeAPI(function)

	root := treeconv.NewDirectoryTree()
	require.True(t, root.AddFile("deep/nested/file", []byte("x\n"), false))
	require.True(t, root.AddFile("top", []byte("y\n"), false))

	rootDigest, err := upload.UploadTreeNative(context.Background(), api, root)
	require.NoError(t, err)

	uploaded := map[string]bool{}
	for _, call := range api.uploadCalls {
		for _, b := range call {
			uploaded[b.Digest.Hash] = true
		}
	}
	require.True(t, uploaded[rootDigest.Hash])
	// The final call contains exactly the root tree.
	lastCall := api.uploadCalls[len(api.uploadCalls)-1]
	require.Len(t, lastCall, 1)
	require.Equal(t, rootDigest, lastCall[0].Digest)
	// And the first call contains no tree blobs at all (leaves go
	// first).
	for _, b := range api.uploadCalls[0] {
		require.False(t, b.Digest.IsTree())
	}
}

func TestUploadTreeNativeSymlinks(t *testing.T) {
	function := digest.NewFunction(false)
	api := newFakeAPI(function)

	root := treeconv.NewDirectoryTree()
	require.True(t, root.AddFile("inside/file", []byte("x\n"), false))
	require.True(t, root.AddSymlink("l", "inside/file"))
	_, err := upload.UploadTreeNative(context.Background(), api, root)
	require.NoError(t, err)

	// The symlink's target string is stored as a blob.
	d := function.FromData([]byte("inside/file"), digest.KindBlob)
	require.Contains(t, api.stored, d.Hash)

	// An upwards symlink refuses to upload.
	bad := treeconv.NewDirectoryTree()
	require.True(t, bad.AddSymlink("l", "../outside"))
	_, err = upload.UploadTreeNative(context.Background(), api, bad)
	require.Error(t, err)
}

func TestUploadTreeCompatible(t *testing.T) {
	function := digest.NewFunction(true)
	api := newFakeAPI(function)

	root := treeconv.NewDirectoryTree()
	require.True(t, root.AddFile("a", []byte("hi\n"), false))
	require.True(t, root.AddFile("sub/b", []byte("bye\n"), true))

	rootDigest, err := upload.UploadTreeCompatible(context.Background(), api, root, nil)
	require.NoError(t, err)

	// One upload call, with the find-missing probe enabled.
	require.Len(t, api.uploadCalls, 1)
	require.False(t, api.skipFlags[0])

	// The root Directory parses back from the uploaded set.
	data, ok := api.stored[rootDigest.Hash]
	require.True(t, ok)
	directory, err := treeconv.DirectoryFromBytes(data)
	require.NoError(t, err)
	require.Len(t, directory.Files, 1)
	require.Len(t, directory.Directories, 1)
}
