package treeconv

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/justserved/just-served/pkg/gitodb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func validateDirectory(d *remoteexecution.Directory) error {
	previous := ""
	for i, f := range d.Files {
		if i > 0 && f.Name <= previous {
			return status.Errorf(codes.InvalidArgument, "Files not sorted or duplicated at %#v", f.Name)
		}
		previous = f.Name
	}
	previous = ""
	for i, dir := range d.Directories {
		if i > 0 && dir.Name <= previous {
			return status.Errorf(codes.InvalidArgument, "Directories not sorted or duplicated at %#v", dir.Name)
		}
		previous = dir.Name
	}
	previous = ""
	for i, s := range d.Symlinks {
		if i > 0 && s.Name <= previous {
			return status.Errorf(codes.InvalidArgument, "Symlinks not sorted or duplicated at %#v", s.Name)
		}
		previous = s.Name
	}
	return nil
}

// DirectoryToBytes serializes a Directory message, validating that
// children of each kind are sorted by name without duplicates.
func DirectoryToBytes(d *remoteexecution.Directory) ([]byte, error) {
	if err := validateDirectory(d); err != nil {
		return nil, err
	}
	return proto.Marshal(d)
}

// DirectoryFromBytes parses a Directory message, rejecting malformed
// or unsorted input without panicking.
func DirectoryFromBytes(data []byte) (*remoteexecution.Directory, error) {
	var d remoteexecution.Directory
	if err := proto.Unmarshal(data, &d); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Failed to parse directory message: %s", err)
	}
	if err := validateDirectory(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TreeToBytes serializes a Tree message.
func TreeToBytes(t *remoteexecution.Tree) ([]byte, error) {
	return proto.Marshal(t)
}

// TreeFromBytes parses a Tree message.
func TreeFromBytes(data []byte) (*remoteexecution.Tree, error) {
	var t remoteexecution.Tree
	if err := proto.Unmarshal(data, &t); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Failed to parse tree message: %s", err)
	}
	return &t, nil
}

// GitTreeToBytes renders tree entries as the canonical Git tree
// payload.
func GitTreeToBytes(entries gitodb.TreeEntries) ([]byte, bool) {
	_, payload, ok := gitodb.CreateShallowTree(entries)
	return payload, ok
}

// GitTreeFromBytes parses a Git tree payload whose id is already
// known, returning its flat entries. Symlink contents cannot be
// checked here; callers pass their own check.
func GitTreeFromBytes(data []byte, id plumbing.Hash, checkSymlinks gitodb.CheckSymlinksFunc) (gitodb.TreeEntries, bool) {
	return gitodb.ReadTreeData(data, id, checkSymlinks)
}
