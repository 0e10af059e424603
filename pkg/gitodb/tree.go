package gitodb

import (
	"io"
	"log"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/justserved/just-served/pkg/digest"
)

// TreeEntry is one name under which an object appears in a tree.
type TreeEntry struct {
	Name string
	Type digest.ObjectType
}

// TreeEntries maps a raw (binary) object id to the names under which
// it appears in a flat tree. Multiple names may share an id when
// identical sub-objects are deduplicated. For a given id, either all
// entries are trees or none are; an id never straddles kinds.
type TreeEntries map[string][]TreeEntry

// CheckSymlinksFunc receives the ids of all symlink blobs of a tree
// in one batch and reports whether every target is acceptable, i.e.
// does not ascend above the tree root.
type CheckSymlinksFunc func(blobIDs []plumbing.Hash) bool

func validEntries(entries TreeEntries) bool {
	for _, nodes := range entries {
		trees := 0
		for _, e := range nodes {
			if e.Name == "" {
				return false
			}
			for i := 0; i < len(e.Name); i++ {
				if e.Name[i] == '/' {
					return false
				}
			}
			if digest.IsTreeObject(e.Type) {
				trees++
			}
		}
		if trees != 0 && trees != len(nodes) {
			return false
		}
	}
	return true
}

func fileModeToObjectType(mode filemode.FileMode) (digest.ObjectType, bool) {
	switch mode {
	case filemode.Regular:
		return digest.File, true
	case filemode.Executable:
		return digest.Executable, true
	case filemode.Dir:
		return digest.Tree, true
	case filemode.Symlink:
		return digest.Symlink, true
	default:
		return 0, false
	}
}

func objectTypeToFileMode(t digest.ObjectType) filemode.FileMode {
	switch t {
	case digest.Executable:
		return filemode.Executable
	case digest.Tree:
		return filemode.Dir
	case digest.Symlink:
		return filemode.Symlink
	default:
		return filemode.Regular
	}
}

// ReadTree walks a flat (non-recursive) tree and returns its entries
// keyed by raw object id. With ignoreSpecial set, entries with
// unsupported modes (including symlinks) are silently skipped. With
// ignoreSpecial unset, an unsupported mode fails the read and every
// symlink entry's content must pass checkSymlinks, which receives the
// symlink blob ids in one batch.
func (o *ODB) ReadTree(id plumbing.Hash, checkSymlinks CheckSymlinksFunc, ignoreSpecial bool) (TreeEntries, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return readTreeLocked(o.storer, id, checkSymlinks, ignoreSpecial)
}

func readTreeLocked(s storer.EncodedObjectStorer, id plumbing.Hash, checkSymlinks CheckSymlinksFunc, ignoreSpecial bool) (TreeEntries, bool) {
	tree, err := object.GetTree(s, id)
	if err != nil {
		log.Printf("Failed to look up Git tree %s: %s", id, err)
		return nil, false
	}

	entries := make(TreeEntries, len(tree.Entries))
	var symlinks []plumbing.Hash
	for _, e := range tree.Entries {
		t, ok := fileModeToObjectType(e.Mode)
		if !ok {
			if ignoreSpecial {
				continue
			}
			log.Printf("Unsupported file mode %s for entry %q in tree %s", e.Mode, e.Name, id)
			return nil, false
		}
		if digest.IsSymlinkObject(t) {
			if ignoreSpecial {
				continue
			}
			// At most one check per id; identical targets
			// share their blob.
			if len(entries[string(e.Hash[:])]) == 0 {
				symlinks = append(symlinks, e.Hash)
			}
		}
		rawID := string(e.Hash[:])
		entries[rawID] = append(entries[rawID], TreeEntry{Name: e.Name, Type: t})
	}

	if !ignoreSpecial {
		if checkSymlinks == nil {
			log.Printf("No symlink check provided for tree %s", id)
			return nil, false
		}
		if !checkSymlinks(symlinks) {
			log.Printf("Found upwards symlinks in Git tree %s", id)
			return nil, false
		}
	}

	if !validEntries(entries) {
		return nil, false
	}
	return entries, true
}

// CreateTree builds a tree object deterministically from the given
// entries and returns its hash.
func (o *ODB) CreateTree(entries TreeEntries) (plumbing.Hash, bool) {
	if !validEntries(entries) {
		return plumbing.ZeroHash, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	var treeEntries []object.TreeEntry
	for rawID, nodes := range entries {
		var id plumbing.Hash
		if len(rawID) != len(id) {
			return plumbing.ZeroHash, false
		}
		copy(id[:], rawID)
		for _, e := range nodes {
			treeEntries = append(treeEntries, object.TreeEntry{
				Name: e.Name,
				Mode: objectTypeToFileMode(e.Type),
				Hash: id,
			})
		}
	}
	sortTreeEntries(treeEntries)

	tree := object.Tree{Entries: treeEntries}
	obj := o.storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		log.Printf("Failed to encode Git tree: %s", err)
		return plumbing.ZeroHash, false
	}
	h, err := o.storer.SetEncodedObject(obj)
	if err != nil {
		log.Printf("Failed to store Git tree: %s", err)
		return plumbing.ZeroHash, false
	}
	return h, true
}

// sortTreeEntries applies the Git tree ordering: byte-wise by name,
// with directories compared as if their name had a trailing slash.
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}

// CreateShallowTree builds a tree object from the given entries in a
// fresh in-memory ODB and returns both its hash and its serialized
// payload (the on-the-wire tree content, without the object header).
// The referenced children need not be present anywhere.
func CreateShallowTree(entries TreeEntries) (plumbing.Hash, []byte, bool) {
	fake := OpenFake()
	h, ok := fake.CreateTree(entries)
	if !ok {
		return plumbing.ZeroHash, nil, false
	}
	payload, err := treePayload(fake, h)
	if err != nil {
		log.Printf("Failed to read back shallow tree %s: %s", h, err)
		return plumbing.ZeroHash, nil, false
	}
	return h, payload, true
}

func treePayload(o *ODB, h plumbing.Hash) ([]byte, error) {
	obj, err := o.storer.EncodedObject(plumbing.TreeObject, h)
	if err != nil {
		return nil, err
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ReadTreeData parses a serialized tree payload without needing a
// repository: a fake ODB is seeded with the payload under the given
// id and flat-walked. The id must match the Git tree hash of the
// payload.
func ReadTreeData(data []byte, id plumbing.Hash, checkSymlinks CheckSymlinksFunc) (TreeEntries, bool) {
	fake := OpenFake()
	obj := fake.storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	stored, err := fake.storer.SetEncodedObject(obj)
	if err != nil {
		return nil, false
	}
	if stored != id {
		log.Printf("Tree data does not hash to %s (got %s)", id, stored)
		return nil, false
	}
	return fake.ReadTree(id, checkSymlinks, false)
}
