package treeconv

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/justserved/just-served/pkg/digest"
)

// FileNode is a regular-file leaf of a DirectoryTree.
type FileNode struct {
	Data         []byte
	IsExecutable bool
}

// SymlinkNode is a symbolic-link leaf. Either the target is known
// directly, or only the digest of the blob holding the target string
// is known and a LinkResolver supplies the target on demand.
type SymlinkNode struct {
	Target       string
	TargetDigest digest.Digest
}

// LinkResolver maps the digest of a symlink's target blob to the
// target string, typically by reading the blob from a CAS.
type LinkResolver func(d digest.Digest) (string, bool)

// DirectoryTree is the in-memory mirror of a build root: the native
// representation consumed by the upload pipeline and flattened into
// Directory messages in compatible mode.
type DirectoryTree struct {
	files    map[string]FileNode
	symlinks map[string]SymlinkNode
	subtrees map[string]*DirectoryTree
}

// NewDirectoryTree creates an empty tree.
func NewDirectoryTree() *DirectoryTree {
	return &DirectoryTree{
		files:    map[string]FileNode{},
		symlinks: map[string]SymlinkNode{},
		subtrees: map[string]*DirectoryTree{},
	}
}

func validComponent(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

func (t *DirectoryTree) descend(dir string) (*DirectoryTree, bool) {
	node := t
	if dir == "" || dir == "." {
		return node, true
	}
	for _, component := range strings.Split(dir, "/") {
		if !validComponent(component) {
			return nil, false
		}
		child, ok := node.subtrees[component]
		if !ok {
			child = NewDirectoryTree()
			node.subtrees[component] = child
		}
		node = child
	}
	return node, true
}

// AddFile inserts a regular file at a slash-separated path,
// creating intermediate directories.
func (t *DirectoryTree) AddFile(path string, data []byte, isExecutable bool) bool {
	dir, name := splitTreePath(path)
	if !validComponent(name) {
		return false
	}
	node, ok := t.descend(dir)
	if !ok {
		return false
	}
	node.files[name] = FileNode{Data: data, IsExecutable: isExecutable}
	return true
}

// AddSymlink inserts a symbolic link at a slash-separated path.
func (t *DirectoryTree) AddSymlink(path, target string) bool {
	dir, name := splitTreePath(path)
	if !validComponent(name) {
		return false
	}
	node, ok := t.descend(dir)
	if !ok {
		return false
	}
	node.symlinks[name] = SymlinkNode{Target: target}
	return true
}

func splitTreePath(path string) (dir, name string) {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// Empty reports whether the tree has no entries.
func (t *DirectoryTree) Empty() bool {
	return len(t.files) == 0 && len(t.symlinks) == 0 && len(t.subtrees) == 0
}

// sortedFileNames returns the file names in lexicographic order.
func (t *DirectoryTree) sortedFileNames() []string {
	names := make([]string, 0, len(t.files))
	for name := range t.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *DirectoryTree) sortedSymlinkNames() []string {
	names := make([]string, 0, len(t.symlinks))
	for name := range t.symlinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *DirectoryTree) sortedSubtreeNames() []string {
	names := make([]string, 0, len(t.subtrees))
	for name := range t.subtrees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FileEntry is a named file child of a directory.
type FileEntry struct {
	Name string
	Node FileNode
}

// SymlinkEntry is a named symlink child of a directory.
type SymlinkEntry struct {
	Name string
	Node SymlinkNode
}

// SubtreeEntry is a named subdirectory child of a directory.
type SubtreeEntry struct {
	Name string
	Tree *DirectoryTree
}

// FileEntries returns the directory's files sorted by name.
func (t *DirectoryTree) FileEntries() []FileEntry {
	entries := make([]FileEntry, 0, len(t.files))
	for _, name := range t.sortedFileNames() {
		entries = append(entries, FileEntry{Name: name, Node: t.files[name]})
	}
	return entries
}

// SymlinkEntries returns the directory's symlinks sorted by name.
func (t *DirectoryTree) SymlinkEntries() []SymlinkEntry {
	entries := make([]SymlinkEntry, 0, len(t.symlinks))
	for _, name := range t.sortedSymlinkNames() {
		entries = append(entries, SymlinkEntry{Name: name, Node: t.symlinks[name]})
	}
	return entries
}

// SubtreeEntries returns the directory's subdirectories sorted by
// name.
func (t *DirectoryTree) SubtreeEntries() []SubtreeEntry {
	entries := make([]SubtreeEntry, 0, len(t.subtrees))
	for _, name := range t.sortedSubtreeNames() {
		entries = append(entries, SubtreeEntry{Name: name, Tree: t.subtrees[name]})
	}
	return entries
}

// DirectoryTreeFromFilesystem mirrors an on-disk directory into a
// DirectoryTree. Special files other than symlinks are rejected.
func DirectoryTreeFromFilesystem(root string) (*DirectoryTree, error) {
	tree := NewDirectoryTree()
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			tree.AddSymlink(rel, target)
		case entry.Type().IsDir():
			if _, ok := tree.descend(rel); !ok {
				return &fs.PathError{Op: "walk", Path: path, Err: fs.ErrInvalid}
			}
		case entry.Type().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			tree.AddFile(rel, data, info.Mode()&0o111 != 0)
		default:
			return &fs.PathError{Op: "walk", Path: path, Err: fs.ErrInvalid}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}
