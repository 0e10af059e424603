package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// Function is the hash configuration of one server instance. An
// instance runs in exactly one mode for its entire lifetime: native
// (SHA-1, Git object identities, marked tree hashes) or compatible
// (SHA-256, plain content hashes as mandated by the Remote Execution
// API). The function is constructed once in main and threaded through
// component constructors instead of living in process-wide state.
type Function struct {
	compatible bool
}

// NewFunction creates a hash function for the given compatibility
// mode.
func NewFunction(compatible bool) Function {
	return Function{compatible: compatible}
}

// Compatible returns whether the instance runs in compatible mode.
func (f Function) Compatible() bool {
	return f.compatible
}

// DigestFunction returns the wire-level digest function advertised
// through Capabilities.
func (f Function) DigestFunction() remoteexecution.DigestFunction_Value {
	if f.compatible {
		return remoteexecution.DigestFunction_SHA256
	}
	return remoteexecution.DigestFunction_SHA1
}

// HexLength returns the length of an unmarked hex hash.
func (f Function) HexLength() int {
	if f.compatible {
		return 2 * sha256.Size
	}
	return 2 * sha1.Size
}

func (f Function) newHasher() hash.Hash {
	if f.compatible {
		return sha256.New()
	}
	return sha1.New()
}

// gitObjectHeader renders the header Git prepends to object content
// before hashing.
func gitObjectHeader(kind Kind, sizeBytes int64) []byte {
	tag := "blob"
	if kind == KindTree {
		tag = "tree"
	}
	return []byte(fmt.Sprintf("%s %d\x00", tag, sizeBytes))
}

// FromData computes the digest of a byte slice. In native mode the
// content is hashed with the Git object header for its kind, so blob
// digests coincide with Git blob identities and tree digests (after
// unprefixing) with Git tree identities.
func (f Function) FromData(data []byte, kind Kind) Digest {
	h := f.newHasher()
	if !f.compatible {
		h.Write(gitObjectHeader(kind, int64(len(data))))
	}
	h.Write(data)
	return f.fromSum(h.Sum(nil), kind, int64(len(data)))
}

// FromReader computes the digest of a reader's full content.
func (f Function) FromReader(r io.Reader, kind Kind) (Digest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Digest{}, err
	}
	return f.FromData(data, kind), nil
}

// FromMessage computes the digest of a serialized Protobuf message.
// Messages are stored as blobs.
func (f Function) FromMessage(m proto.Message) (Digest, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return Digest{}, err
	}
	return f.FromData(data, KindBlob), nil
}

// Empty returns the digest of the empty object of the given kind.
func (f Function) Empty(kind Kind) Digest {
	return f.FromData(nil, kind)
}

// FromRawGitID converts a raw (binary) Git object id into a digest.
// Only meaningful in native mode, where Git identities and CAS
// identities coincide.
func (f Function) FromRawGitID(raw []byte, kind Kind, sizeBytes int64) Digest {
	return f.fromSum(raw, kind, sizeBytes)
}

func (f Function) fromSum(sum []byte, kind Kind, sizeBytes int64) Digest {
	h := hex.EncodeToString(sum)
	if !f.compatible && kind == KindTree {
		h = prefixRaw(sum)
	}
	return Digest{Hash: h, SizeBytes: sizeBytes, Kind: kind}
}

// Prefix restores the native tree marker on a wire-form hex hash.
// Identity for blobs, in compatible mode, and for already marked
// hashes.
func (f Function) Prefix(hash string, kind Kind) string {
	if f.compatible || kind != KindTree || isPrefixed(hash) {
		return hash
	}
	return treeMarkerHex + hash
}

// FromProto converts a wire digest into the internal representation,
// reattaching the tree marker where needed.
func (f Function) FromProto(d *remoteexecution.Digest, kind Kind) Digest {
	return Digest{
		Hash:      f.Prefix(d.GetHash(), kind),
		SizeBytes: d.GetSizeBytes(),
		Kind:      kind,
	}
}

// RawGitID converts a digest back to the raw Git object id it was
// derived from. It fails on malformed hex input.
func (d Digest) RawGitID() ([]byte, error) {
	return hex.DecodeString(Unprefix(d.Hash))
}
