package digest_test

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestFromDataCompatible(t *testing.T) {
	function := digest.NewFunction(true)
	data := []byte("hi\n")
	d := function.FromData(data, digest.KindBlob)

	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), d.Hash)
	require.Equal(t, int64(3), d.SizeBytes)
	require.Equal(t, digest.KindBlob, d.Kind)

	// Compatible-mode trees are plain blobs; no marker applied.
	tree := function.FromData(data, digest.KindTree)
	require.Equal(t, d.Hash, tree.Hash)
	require.Equal(t, tree.Hash, digest.Unprefix(tree.Hash))
}

func TestFromDataNativeUsesGitIdentities(t *testing.T) {
	function := digest.NewFunction(false)
	data := []byte("hi\n")

	blob := function.FromData(data, digest.KindBlob)
	h := sha1.New()
	h.Write([]byte("blob 3\x00"))
	h.Write(data)
	require.Equal(t, hex.EncodeToString(h.Sum(nil)), blob.Hash)

	tree := function.FromData(data, digest.KindTree)
	h = sha1.New()
	h.Write([]byte("tree 3\x00"))
	h.Write(data)
	want := h.Sum(nil)
	require.Equal(t, "01"+hex.EncodeToString(want), tree.Hash)
	require.Equal(t, hex.EncodeToString(want), digest.Unprefix(tree.Hash))
}

func TestDigestEquality(t *testing.T) {
	function := digest.NewFunction(false)
	data := []byte("content")
	a := function.FromData(data, digest.KindBlob)
	b := function.FromData(data, digest.KindBlob)
	c := function.FromData(data, digest.KindTree)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestProtoRoundTrip(t *testing.T) {
	function := digest.NewFunction(false)
	tree := function.FromData([]byte("payload"), digest.KindTree)

	wire := tree.ToProto()
	require.Equal(t, digest.Unprefix(tree.Hash), wire.Hash)
	require.Equal(t, tree.SizeBytes, wire.SizeBytes)

	back := function.FromProto(wire, digest.KindTree)
	require.Equal(t, tree, back)
}

func TestFromProtoBlobKeepsWireHash(t *testing.T) {
	function := digest.NewFunction(false)
	wire := &remoteexecution.Digest{Hash: "da39a3ee5e6b4b0d3255bfef95601890afd80709", SizeBytes: 0}
	d := function.FromProto(wire, digest.KindBlob)
	require.Equal(t, wire.Hash, d.Hash)
}

func TestRawGitIDRoundTrip(t *testing.T) {
	function := digest.NewFunction(false)
	tree := function.FromData([]byte("x"), digest.KindTree)
	raw, err := tree.RawGitID()
	require.NoError(t, err)
	require.Len(t, raw, sha1.Size)
	require.Equal(t, tree, function.FromRawGitID(raw, digest.KindTree, tree.SizeBytes))
}

func TestFromMessage(t *testing.T) {
	function := digest.NewFunction(true)
	d, err := function.FromMessage(&remoteexecution.Directory{})
	require.NoError(t, err)
	require.Equal(t, function.Empty(digest.KindBlob), d)
}

func TestUnprefixLeavesPlainHashesAlone(t *testing.T) {
	// A compatible-mode hash starting with the marker characters
	// must not be truncated; only the marked length qualifies.
	h := "01" + "ab"
	require.Equal(t, h, digest.Unprefix(h))
	sum := sha256.Sum256(nil)
	full := hex.EncodeToString(sum[:])
	require.Equal(t, full, digest.Unprefix(full))
}
