package digest

import (
	"encoding/hex"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Kind distinguishes the two object classes tracked by the content
// addressable store. In native mode trees use the Git tree encoding
// and carry a marker prefix in their hash; in compatible mode a tree
// is just a blob holding a serialized Directory message.
type Kind int

const (
	// KindBlob identifies file and executable contents.
	KindBlob Kind = iota
	// KindTree identifies directory objects.
	KindTree
)

// treeMarker is the single byte prepended to the raw hash of a tree
// before hex-encoding in native mode. It keeps tree digests from
// colliding with blob digests that share the same Git identity. The
// marker never appears on the wire; see Unprefix.
const treeMarker = 0x01

// treeMarkerHex is the hex encoding of treeMarker, i.e. the prefix of
// every native tree digest hash.
const treeMarkerHex = "01"

// Digest is the canonical identity of an object: the hex-encoded hash
// of its serialized content, the content size and the object kind.
// Two digests are equal iff all three fields are equal.
type Digest struct {
	Hash      string
	SizeBytes int64
	Kind      Kind
}

// IsTree returns whether the digest identifies a tree object.
func (d Digest) IsTree() bool {
	return d.Kind == KindTree
}

// ToProto converts the digest to its wire representation. The native
// tree marker is stripped, as external Remote Execution clients must
// never observe it.
func (d Digest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      Unprefix(d.Hash),
		SizeBytes: d.SizeBytes,
	}
}

// String returns the wire form of the digest for logging.
func (d Digest) String() string {
	return Unprefix(d.Hash)
}

// Unprefix strips the native tree marker from a hex hash, if present.
// Blob hashes and compatible-mode hashes pass through unmodified.
func Unprefix(hash string) string {
	if isPrefixed(hash) {
		return hash[len(treeMarkerHex):]
	}
	return hash
}

// isPrefixed reports whether a hex hash carries the tree marker. A
// marked hash is two characters longer than the plain digest length,
// so plain hashes whose leading bytes happen to match the marker are
// not misclassified.
func isPrefixed(hash string) bool {
	return len(hash) == prefixedHexLength && hash[:len(treeMarkerHex)] == treeMarkerHex
}

// prefixedHexLength is the hex length of a marked SHA-1 tree hash.
// Only native mode produces marked hashes.
const prefixedHexLength = 2 + 2*20

func prefixRaw(raw []byte) string {
	marked := make([]byte, 0, len(raw)+1)
	marked = append(marked, treeMarker)
	marked = append(marked, raw...)
	return hex.EncodeToString(marked)
}
