// Package upload implements the high-level tree upload pipeline
// bridging the native Git tree representation and the flat Remote
// Execution Directory representation.
package upload

import (
	"context"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/remote"
	"github.com/justserved/just-served/pkg/treeconv"
	"github.com/justserved/just-served/pkg/util"
)

// API is the slice of remote client behavior the pipeline consumes.
type API interface {
	FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
	UploadBlobs(ctx context.Context, blobs []remote.Blob, skipFindMissing bool) error
	IsAvailable(ctx context.Context, d digest.Digest) (bool, error)
	Function() digest.Function
}

// UploadTreeNative uploads a directory tree in its native Git
// representation. The walk is bottom-up and content-first: per node
// the immediate children are probed in one batch, missing subtrees
// recurse before the missing children are uploaded, and the node's
// own tree blob goes last, so a tree blob present remotely always
// implies its full content is present.
func UploadTreeNative(ctx context.Context, api API, root *treeconv.DirectoryTree) (digest.Digest, error) {
	blobTree, err := FromDirectoryTree(api.Function(), root, nil)
	if err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to build blob tree for build root")
	}
	available, err := api.IsAvailable(ctx, blobTree.Blob.Digest)
	if err != nil {
		return digest.Digest{}, err
	}
	if available {
		return blobTree.Blob.Digest, nil
	}
	if err := uploadBlobTree(ctx, api, blobTree); err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to upload blob tree for build root")
	}
	if err := api.UploadBlobs(ctx, []remote.Blob{blobTree.Blob}, true); err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to upload tree blob for build root")
	}
	return blobTree.Blob.Digest, nil
}

// uploadBlobTree uploads the children of one node: one availability
// probe over all immediate children, recursion into missing
// subtrees, then a single upload of the missing set. The probe
// already narrowed the set, so find-missing is skipped.
func uploadBlobTree(ctx context.Context, api API, node *BlobTree) error {
	digests := make([]digest.Digest, 0, len(node.Children))
	byHash := make(map[string]*BlobTree, len(node.Children))
	for _, child := range node.Children {
		digests = append(digests, child.Blob.Digest)
		byHash[child.Blob.Digest.Hash] = child
	}
	missing, err := api.FindMissingBlobs(ctx, digests)
	if err != nil {
		return err
	}

	blobs := make([]remote.Blob, 0, len(missing))
	for _, d := range missing {
		child, ok := byHash[d.Hash]
		if !ok {
			continue
		}
		if child.IsTree() {
			if err := uploadBlobTree(ctx, api, child); err != nil {
				return err
			}
		}
		blobs = append(blobs, child.Blob)
	}
	if len(blobs) == 0 {
		return nil
	}
	return api.UploadBlobs(ctx, blobs, true)
}

// UploadTreeCompatible uploads a directory tree flattened into
// Directory messages: every file and serialized Directory blob is
// collected while flattening and uploaded in one call, narrowed by a
// find-missing probe.
func UploadTreeCompatible(ctx context.Context, api API, root *treeconv.DirectoryTree, resolveLink treeconv.LinkResolver) (digest.Digest, error) {
	var blobs []remote.Blob
	seen := map[string]bool{}
	rootDigest, err := treeconv.DirectoryDigestFromTree(api.Function(), root, resolveLink, func(d digest.Digest, data []byte) error {
		if !seen[d.Hash] {
			seen[d.Hash] = true
			blobs = append(blobs, remote.Blob{Digest: d, Data: data})
		}
		return nil
	})
	if err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to flatten build root")
	}
	if err := api.UploadBlobs(ctx, blobs, false); err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to upload blobs for build root")
	}
	return rootDigest, nil
}
