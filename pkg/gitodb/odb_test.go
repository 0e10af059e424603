package gitodb_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/justserved/just-served/pkg/gitodb"
	"github.com/stretchr/testify/require"
)

func TestInitAndOpenIsIdempotent(t *testing.T) {
	path := t.TempDir()
	first, err := gitodb.InitAndOpen(path, false)
	require.NoError(t, err)
	require.False(t, first.IsFake())
	require.Equal(t, path, first.Path())

	second, err := gitodb.InitAndOpen(path, false)
	require.NoError(t, err)
	require.False(t, second.IsFake())
}

func TestBlobRoundTripInRealRepo(t *testing.T) {
	odb, err := gitodb.InitAndOpen(t.TempDir(), true)
	require.NoError(t, err)

	hexID, err := odb.WriteBlob([]byte("content\n"))
	require.NoError(t, err)

	exists, err := odb.CheckBlobExists(hexID)
	require.NoError(t, err)
	require.True(t, exists)

	data, ok, err := odb.TryReadBlob(hexID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("content\n"), data)

	// An absent blob is not an error, just absent.
	_, ok, err = odb.TryReadBlob("0000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFakeODBRejectsRepositoryOperations(t *testing.T) {
	odb := gitodb.OpenFake()
	require.True(t, odb.IsFake())

	_, err := odb.StageAndCommitAll("message")
	require.Error(t, err)
	require.Error(t, odb.KeepTag("0000000000000000000000000000000000000000", "m"))
	require.Error(t, odb.FetchFromPath("/nonexistent", ""))
	_, err = odb.GetHeadCommit()
	require.Error(t, err)

	// Object-level operations still work.
	hexID, err := odb.WriteBlob([]byte("in memory"))
	require.NoError(t, err)
	exists, err := odb.CheckBlobExists(hexID)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStageAndCommitAll(t *testing.T) {
	path := t.TempDir()
	odb, err := gitodb.InitAndOpen(path, false)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(path, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "top.txt"), []byte("top\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "sub", "nested.txt"), []byte("nested\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".gitignore"), []byte("ignored.txt\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "ignored.txt"), []byte("secret\n"), 0o644))

	commit, err := odb.StageAndCommitAll("initial import")
	require.NoError(t, err)
	require.Len(t, commit, 40)

	head, err := odb.GetHeadCommit()
	require.NoError(t, err)
	require.Equal(t, commit, head)

	// The commit's subtrees resolve, and the ignored file is not part
	// of the root tree.
	subtree, err := odb.GetSubtreeFromCommit(commit, "sub")
	require.NoError(t, err)
	require.Len(t, subtree, 40)

	rootTree, err := odb.GetSubtreeFromCommit(commit, ".")
	require.NoError(t, err)
	entries, ok := odb.ReadTree(plumbing.NewHash(rootTree), nil, true)
	require.True(t, ok)
	names := map[string]bool{}
	for _, nodes := range entries {
		for _, e := range nodes {
			names[e.Name] = true
		}
	}
	require.True(t, names["top.txt"])
	require.True(t, names["sub"])
	require.False(t, names["ignored.txt"])
}

func TestGetSubtreeFromCommitDistinguishesNotFound(t *testing.T) {
	path := t.TempDir()
	odb, err := gitodb.InitAndOpen(path, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0o644))
	commit, err := odb.StageAndCommitAll("c")
	require.NoError(t, err)

	// Absent commit: NotFound, so callers may fall back.
	_, err = odb.GetSubtreeFromCommit("1111111111111111111111111111111111111111", ".")
	require.True(t, errors.Is(err, gitodb.ErrNotFound))

	// Present commit, absent subdirectory: a different failure.
	_, err = odb.GetSubtreeFromCommit(commit, "no/such/dir")
	require.Error(t, err)
	require.False(t, errors.Is(err, gitodb.ErrNotFound))
}

func TestKeepTagIsIdempotent(t *testing.T) {
	path := t.TempDir()
	odb, err := gitodb.InitAndOpen(path, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0o644))
	commit, err := odb.StageAndCommitAll("c")
	require.NoError(t, err)

	require.NoError(t, odb.KeepTag(commit, "keep around"))
	require.NoError(t, odb.KeepTag(commit, "keep around"))
}

func TestKeepTreeTagsTreeObjects(t *testing.T) {
	path := t.TempDir()
	odb, err := gitodb.InitAndOpen(path, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0o644))
	commit, err := odb.StageAndCommitAll("c")
	require.NoError(t, err)
	tree, err := odb.GetSubtreeFromCommit(commit, ".")
	require.NoError(t, err)

	require.NoError(t, odb.KeepTree(tree, "keep tree"))
	require.NoError(t, odb.KeepTree(tree, "keep tree"))
}

func TestFetchFromPath(t *testing.T) {
	// Build a source repository with one commit.
	sourcePath := t.TempDir()
	source, err := gitodb.InitAndOpen(sourcePath, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sourcePath, "f"), []byte("payload\n"), 0o644))
	commit, err := source.StageAndCommitAll("c")
	require.NoError(t, err)

	target, err := gitodb.InitAndOpen(t.TempDir(), true)
	require.NoError(t, err)
	require.NoError(t, target.FetchFromPath(sourcePath, ""))

	exists, err := target.CheckCommitExists(commit)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLocalFetchViaTmpRepoLeavesNoRefs(t *testing.T) {
	sourcePath := t.TempDir()
	source, err := gitodb.InitAndOpen(sourcePath, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sourcePath, "f"), []byte("payload\n"), 0o644))
	commit, err := source.StageAndCommitAll("c")
	require.NoError(t, err)

	target, err := gitodb.InitAndOpen(t.TempDir(), true)
	require.NoError(t, err)
	require.NoError(t, target.LocalFetchViaTmpRepo(sourcePath, ""))

	// Objects arrived, but HEAD still resolves to nothing: the
	// ephemeral repo kept the references.
	exists, err := target.CheckCommitExists(commit)
	require.NoError(t, err)
	require.True(t, exists)
	_, err = target.GetHeadCommit()
	require.Error(t, err)
}

