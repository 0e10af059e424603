package gitodb

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// PathIsNonUpwards reports whether a symlink target stays inside the
// tree it is defined in: the path must be relative and its ".."
// segments may never exceed the descent accumulated before them.
func PathIsNonUpwards(target string) bool {
	if strings.HasPrefix(target, "/") {
		return false
	}
	depth := 0
	for _, segment := range strings.Split(target, "/") {
		switch segment {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return false
			}
		default:
			depth++
		}
	}
	return true
}

// NonUpwardsSymlinkCheck builds a CheckSymlinksFunc over a blob
// content resolver. Every symlink blob's content must be a
// non-upwards path; unresolvable blobs fail the check.
func NonUpwardsSymlinkCheck(readBlob func(rawID string) ([]byte, bool)) CheckSymlinksFunc {
	return func(blobIDs []plumbing.Hash) bool {
		for _, id := range blobIDs {
			target, ok := readBlob(string(id[:]))
			if !ok {
				return false
			}
			if !PathIsNonUpwards(string(target)) {
				return false
			}
		}
		return true
	}
}
