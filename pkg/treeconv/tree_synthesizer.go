package treeconv

import (
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DirectoryStore is the slice of local CAS behavior tree synthesis
// needs: reading Directory blobs and storing the packed Tree.
type DirectoryStore interface {
	ReadBlob(d digest.Digest, isExecutable bool) ([]byte, bool)
	StoreBlob(data []byte, isExecutable bool) (digest.Digest, error)
	Function() digest.Function
}

func getDirectory(store DirectoryStore, d digest.Digest) (*remoteexecution.Directory, error) {
	data, ok := store.ReadBlob(d, false)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Directory %s absent from CAS", d)
	}
	return DirectoryFromBytes(data)
}

// TreeDigestFromDirectoryDigest synthesizes a Tree message from a
// stored root Directory: every transitively reachable child Directory
// is collected exactly once, the children list is sorted by ascending
// digest hash, and the serialized Tree is stored back into the CAS.
// The returned digest references the stored Tree blob.
func TreeDigestFromDirectoryDigest(store DirectoryStore, rootDirDigest digest.Digest) (digest.Digest, error) {
	function := store.Function()
	root, err := getDirectory(store, rootDirDigest)
	if err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to fetch root directory")
	}

	// Collect the transitive child closure, keyed and deduplicated
	// by digest hash. An explicit work list bounds the traversal on
	// trees with shared subdirectories.
	collected := map[string]*remoteexecution.Directory{}
	pending := append([]*remoteexecution.DirectoryNode(nil), root.Directories...)
	for len(pending) > 0 {
		node := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := collected[node.Digest.GetHash()]; ok {
			continue
		}
		child, err := getDirectory(store, function.FromProto(node.Digest, digest.KindBlob))
		if err != nil {
			return digest.Digest{}, util.StatusWrapf(err, "Failed to fetch child directory %#v", node.Name)
		}
		collected[node.Digest.GetHash()] = child
		pending = append(pending, child.Directories...)
	}

	hashes := make([]string, 0, len(collected))
	for hash := range collected {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	tree := &remoteexecution.Tree{Root: root}
	for _, hash := range hashes {
		tree.Children = append(tree.Children, collected[hash])
	}
	data, err := TreeToBytes(tree)
	if err != nil {
		return digest.Digest{}, err
	}
	treeDigest, err := store.StoreBlob(data, false)
	if err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to store tree blob")
	}
	return treeDigest, nil
}
