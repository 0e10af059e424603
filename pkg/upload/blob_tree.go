package upload

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/gitodb"
	"github.com/justserved/just-served/pkg/remote"
	"github.com/justserved/just-served/pkg/treeconv"
	"github.com/justserved/just-served/pkg/util"
)

// BlobTree mirrors a directory tree as uploadable blobs: inner nodes
// carry the serialized Git tree payload of their directory together
// with its precomputed digest, leaves carry file, executable and
// symlink-target contents.
type BlobTree struct {
	Blob     remote.Blob
	Children []*BlobTree
}

// IsTree reports whether the node is a directory.
func (t *BlobTree) IsTree() bool {
	return t.Blob.Digest.IsTree()
}

// FromDirectoryTree builds a BlobTree bottom-up from a directory
// tree, computing native (Git) identities for every node. Symlink
// nodes carrying only a target digest are resolved through
// resolveLink.
func FromDirectoryTree(function digest.Function, root *treeconv.DirectoryTree, resolveLink treeconv.LinkResolver) (*BlobTree, error) {
	entries := gitodb.TreeEntries{}
	var children []*BlobTree

	addEntry := func(d digest.Digest, name string, t digest.ObjectType) error {
		rawID, err := d.RawGitID()
		if err != nil {
			return util.StatusWrapf(err, "Malformed id for entry %#v", name)
		}
		entries[string(rawID)] = append(entries[string(rawID)], gitodb.TreeEntry{Name: name, Type: t})
		return nil
	}

	for _, sub := range root.SubtreeEntries() {
		child, err := FromDirectoryTree(function, sub.Tree, resolveLink)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to build blob tree for %#v", sub.Name)
		}
		if err := addEntry(child.Blob.Digest, sub.Name, digest.Tree); err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	for _, file := range root.FileEntries() {
		d := function.FromData(file.Node.Data, digest.KindBlob)
		t := digest.File
		if file.Node.IsExecutable {
			t = digest.Executable
		}
		if err := addEntry(d, file.Name, t); err != nil {
			return nil, err
		}
		children = append(children, &BlobTree{
			Blob: remote.Blob{Digest: d, Data: file.Node.Data, IsExecutable: file.Node.IsExecutable},
		})
	}
	for _, symlink := range root.SymlinkEntries() {
		target := symlink.Node.Target
		if target == "" {
			if resolveLink == nil {
				return nil, status.Errorf(codes.InvalidArgument, "No link resolver provided for symlink %#v", symlink.Name)
			}
			resolved, ok := resolveLink(symlink.Node.TargetDigest)
			if !ok {
				return nil, status.Errorf(codes.NotFound, "Failed to resolve target of symlink %#v", symlink.Name)
			}
			target = resolved
		}
		if !gitodb.PathIsNonUpwards(target) {
			return nil, status.Errorf(codes.InvalidArgument, "Symlink %#v ascends above the tree root", symlink.Name)
		}
		content := []byte(target)
		d := function.FromData(content, digest.KindBlob)
		if err := addEntry(d, symlink.Name, digest.Symlink); err != nil {
			return nil, err
		}
		children = append(children, &BlobTree{
			Blob: remote.Blob{Digest: d, Data: content},
		})
	}

	id, payload, ok := gitodb.CreateShallowTree(entries)
	if !ok {
		return nil, status.Error(codes.Internal, "Failed to serialize directory as Git tree")
	}
	return &BlobTree{
		Blob: remote.Blob{
			Digest: function.FromRawGitID(id[:], digest.KindTree, int64(len(payload))),
			Data:   payload,
		},
		Children: children,
	}, nil
}
