package treeconv

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EmitBlobFunc receives every blob produced while flattening a tree:
// file contents and serialized Directory messages alike.
type EmitBlobFunc func(d digest.Digest, data []byte) error

// DirectoryDigestFromTree flattens a DirectoryTree into Directory
// messages bottom-up: subdirectories are converted first, every
// produced blob is emitted through emitBlob, and the digest of the
// root Directory is returned. Symlink nodes carrying only a target
// digest are resolved through resolveLink.
func DirectoryDigestFromTree(function digest.Function, root *DirectoryTree, resolveLink LinkResolver, emitBlob EmitBlobFunc) (digest.Digest, error) {
	directory := &remoteexecution.Directory{}

	for _, name := range root.sortedSubtreeNames() {
		childDigest, err := DirectoryDigestFromTree(function, root.subtrees[name], resolveLink, emitBlob)
		if err != nil {
			return digest.Digest{}, util.StatusWrapf(err, "Failed to flatten subdirectory %#v", name)
		}
		directory.Directories = append(directory.Directories, &remoteexecution.DirectoryNode{
			Name:   name,
			Digest: childDigest.ToProto(),
		})
	}
	for _, name := range root.sortedFileNames() {
		file := root.files[name]
		d := function.FromData(file.Data, digest.KindBlob)
		if err := emitBlob(d, file.Data); err != nil {
			return digest.Digest{}, util.StatusWrapf(err, "Failed to emit file %#v", name)
		}
		directory.Files = append(directory.Files, &remoteexecution.FileNode{
			Name:         name,
			Digest:       d.ToProto(),
			IsExecutable: file.IsExecutable,
		})
	}
	for _, name := range root.sortedSymlinkNames() {
		symlink := root.symlinks[name]
		target := symlink.Target
		if target == "" {
			if resolveLink == nil {
				return digest.Digest{}, status.Errorf(codes.InvalidArgument, "No link resolver provided for symlink %#v", name)
			}
			resolved, ok := resolveLink(symlink.TargetDigest)
			if !ok {
				return digest.Digest{}, status.Errorf(codes.NotFound, "Failed to resolve target of symlink %#v", name)
			}
			target = resolved
		}
		directory.Symlinks = append(directory.Symlinks, &remoteexecution.SymlinkNode{
			Name:   name,
			Target: target,
		})
	}

	data, err := DirectoryToBytes(directory)
	if err != nil {
		return digest.Digest{}, err
	}
	d := function.FromData(data, digest.KindBlob)
	if err := emitBlob(d, data); err != nil {
		return digest.Digest{}, util.StatusWrap(err, "Failed to emit directory blob")
	}
	return d, nil
}
