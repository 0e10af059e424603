package gitodb_test

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/gitodb"
	"github.com/stretchr/testify/require"
)

// rawID turns an object id into the binary key TreeEntries uses.
func rawID(h plumbing.Hash) string {
	return string(h[:])
}

func blobHash(data []byte) plumbing.Hash {
	return plumbing.ComputeHash(plumbing.BlobObject, data)
}

func allowAllSymlinks([]plumbing.Hash) bool {
	return true
}

func TestShallowTreeRoundTrip(t *testing.T) {
	entries := gitodb.TreeEntries{
		rawID(blobHash([]byte("hi\n"))): {
			{Name: "a", Type: digest.File},
		},
		rawID(blobHash([]byte("bye\n"))): {
			{Name: "b", Type: digest.File},
		},
	}

	id, payload, ok := gitodb.CreateShallowTree(entries)
	require.True(t, ok)
	require.NotEmpty(t, payload)
	// The returned id is the Git hash of the payload.
	require.Equal(t, plumbing.ComputeHash(plumbing.TreeObject, payload), id)

	back, ok := gitodb.ReadTreeData(payload, id, allowAllSymlinks)
	require.True(t, ok)
	require.Equal(t, entries, back)
}

func TestShallowTreeDeterministic(t *testing.T) {
	entries := gitodb.TreeEntries{
		rawID(blobHash([]byte("x"))): {
			{Name: "z", Type: digest.File},
			{Name: "a", Type: digest.File},
		},
	}
	id1, payload1, ok := gitodb.CreateShallowTree(entries)
	require.True(t, ok)
	id2, payload2, ok := gitodb.CreateShallowTree(entries)
	require.True(t, ok)
	require.Equal(t, id1, id2)
	require.Equal(t, payload1, payload2)
}

func TestCreateTreeRejectsStraddlingIDs(t *testing.T) {
	// A raw id must never appear both as a tree and as a blob.
	h := blobHash([]byte("dual"))
	entries := gitodb.TreeEntries{
		rawID(h): {
			{Name: "as-file", Type: digest.File},
			{Name: "as-dir", Type: digest.Tree},
		},
	}
	_, _, ok := gitodb.CreateShallowTree(entries)
	require.False(t, ok)
}

func TestCreateTreeRejectsBadNames(t *testing.T) {
	h := blobHash([]byte("x"))
	for _, name := range []string{"", "a/b"} {
		entries := gitodb.TreeEntries{
			rawID(h): {{Name: name, Type: digest.File}},
		}
		_, _, ok := gitodb.CreateShallowTree(entries)
		require.False(t, ok, "name %q", name)
	}
}

func TestReadTreeDataRejectsWrongID(t *testing.T) {
	entries := gitodb.TreeEntries{
		rawID(blobHash([]byte("x"))): {{Name: "f", Type: digest.File}},
	}
	_, payload, ok := gitodb.CreateShallowTree(entries)
	require.True(t, ok)

	wrong := blobHash([]byte("not the tree"))
	_, ok = gitodb.ReadTreeData(payload, wrong, allowAllSymlinks)
	require.False(t, ok)
}

func TestReadTreeDataRejectsGarbage(t *testing.T) {
	data := []byte("this is not a git tree")
	id := plumbing.ComputeHash(plumbing.TreeObject, data)
	_, ok := gitodb.ReadTreeData(data, id, allowAllSymlinks)
	require.False(t, ok)
}

func TestReadTreeSymlinkCheck(t *testing.T) {
	// A tree with one symlink entry; the check receives exactly the
	// symlink's blob id and decides the fate of the read.
	targets := map[string][]byte{}
	upwards := []byte("../outside")
	inside := []byte("inside/file")
	for _, target := range [][]byte{upwards, inside} {
		h := blobHash(target)
		targets[string(h[:])] = target
	}
	check := gitodb.NonUpwardsSymlinkCheck(func(rawID string) ([]byte, bool) {
		target, ok := targets[rawID]
		return target, ok
	})

	makeTree := func(target []byte) ([]byte, plumbing.Hash) {
		h := blobHash(target)
		entries := gitodb.TreeEntries{
			string(h[:]): {{Name: "l", Type: digest.Symlink}},
		}
		id, payload, ok := gitodb.CreateShallowTree(entries)
		require.True(t, ok)
		return payload, id
	}

	payload, id := makeTree(upwards)
	_, ok := gitodb.ReadTreeData(payload, id, check)
	require.False(t, ok)

	payload, id = makeTree(inside)
	entries, ok := gitodb.ReadTreeData(payload, id, check)
	require.True(t, ok)
	require.Len(t, entries, 1)
}

func TestPathIsNonUpwards(t *testing.T) {
	for target, want := range map[string]bool{
		"inside/file":       true,
		"a/../b":            true,
		"./a":               true,
		"..":                false,
		"../outside":        false,
		"a/../../b":         false,
		"/absolute":         false,
		"a/b/../../../c":    false,
		"deep/a/../../file": true,
	} {
		require.Equal(t, want, gitodb.PathIsNonUpwards(target), "target %q", target)
	}
}
