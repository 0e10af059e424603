package storage

import (
	"errors"
	"os"
	"path/filepath"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"
)

var (
	localCASStoredBlobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "just_served",
			Subsystem: "storage",
			Name:      "local_cas_stored_blobs_total",
			Help:      "Number of objects written into the local CAS, by kind.",
		},
		[]string{"kind"})
	localCASStoredBlobsTotalBlob = localCASStoredBlobsTotal.WithLabelValues("blob")
	localCASStoredBlobsTotalExec = localCASStoredBlobsTotal.WithLabelValues("executable")
	localCASStoredBlobsTotalTree = localCASStoredBlobsTotal.WithLabelValues("tree")
)

func init() {
	prometheus.MustRegister(localCASStoredBlobsTotal)
}

// LocalCAS is an on-disk content-addressed store. Blobs, executables
// and tree objects live in separate subdirectories of a single
// storage root, named by their hex digest. Writes go through a
// temporary file in the same filesystem followed by a rename, so
// partial writes are never observable and concurrent writers of
// identical content are idempotent.
type LocalCAS struct {
	function  digest.Function
	root      string
	blobsDir  string
	execsDir  string
	treesDir  string
	acDir     string
	tmpDir    string
}

// NewLocalCAS opens (creating if necessary) a local CAS under the
// given storage root. In compatible mode the tree directory is an
// alias for the blob directory, as trees are ordinary blobs holding
// serialized Directory messages.
func NewLocalCAS(root string, function digest.Function) (*LocalCAS, error) {
	c := &LocalCAS{
		function: function,
		root:     root,
		blobsDir: filepath.Join(root, "blobs"),
		execsDir: filepath.Join(root, "execs"),
		acDir:    filepath.Join(root, "ac"),
		tmpDir:   filepath.Join(root, "tmp"),
	}
	if function.Compatible() {
		c.treesDir = c.blobsDir
	} else {
		c.treesDir = filepath.Join(root, "trees")
	}
	for _, dir := range []string{c.blobsDir, c.execsDir, c.treesDir, c.acDir, c.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Function returns the hash function the store was opened with.
func (c *LocalCAS) Function() digest.Function {
	return c.function
}

// Root returns the storage root path.
func (c *LocalCAS) Root() string {
	return c.root
}

// StoreBlob writes a blob into the store and returns its digest.
// Re-storing identical content is a no-op success.
func (c *LocalCAS) StoreBlob(data []byte, isExecutable bool) (digest.Digest, error) {
	d := c.function.FromData(data, digest.KindBlob)
	dir, mode := c.blobsDir, os.FileMode(0o444)
	if isExecutable {
		dir, mode = c.execsDir, 0o555
		localCASStoredBlobsTotalExec.Inc()
	} else {
		localCASStoredBlobsTotalBlob.Inc()
	}
	if err := c.writeObject(dir, digest.Unprefix(d.Hash), data, mode); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// StoreTree writes a tree object into the store and returns its
// digest. In compatible mode this is equivalent to StoreBlob of a
// non-executable blob, except that the returned digest is tree-kinded.
func (c *LocalCAS) StoreTree(data []byte) (digest.Digest, error) {
	d := c.function.FromData(data, digest.KindTree)
	localCASStoredBlobsTotalTree.Inc()
	if err := c.writeObject(c.treesDir, digest.Unprefix(d.Hash), data, 0o444); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// BlobPath returns the filesystem path of a stored blob. The path is
// guaranteed readable for the life of the current GC shared lock.
// Absence and I/O failures both report false; callers re-probe.
func (c *LocalCAS) BlobPath(d digest.Digest, isExecutable bool) (string, bool) {
	dir := c.blobsDir
	if isExecutable {
		dir = c.execsDir
	}
	p := filepath.Join(dir, digest.Unprefix(d.Hash))
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// TreePath returns the filesystem path of a stored tree object. Only
// valid in native mode; compatible mode keeps trees in the blob
// directory.
func (c *LocalCAS) TreePath(d digest.Digest) (string, bool) {
	if c.function.Compatible() {
		return c.BlobPath(d, false)
	}
	p := filepath.Join(c.treesDir, digest.Unprefix(d.Hash))
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// ReadBlob returns the content of a stored blob.
func (c *LocalCAS) ReadBlob(d digest.Digest, isExecutable bool) ([]byte, bool) {
	p, ok := c.BlobPath(d, isExecutable)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ReadTree returns the content of a stored tree object.
func (c *LocalCAS) ReadTree(d digest.Digest) ([]byte, bool) {
	p, ok := c.TreePath(d)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Contains reports whether an object with the given digest is
// present in any of the object directories.
func (c *LocalCAS) Contains(d digest.Digest) bool {
	_, ok := c.LookupAny(digest.Unprefix(d.Hash))
	return ok
}

// LookupAny resolves a wire-form hex hash against the blob,
// executable and tree directories in turn and returns the path of
// the stored object.
func (c *LocalCAS) LookupAny(wireHash string) (string, bool) {
	for _, dir := range []string{c.blobsDir, c.execsDir, c.treesDir} {
		p := filepath.Join(dir, wireHash)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// PutActionResult stores an action result keyed by its action digest.
// Unlike CAS objects, action cache entries are mutable overwrites.
func (c *LocalCAS) PutActionResult(actionDigest digest.Digest, result *remoteexecution.ActionResult) error {
	data, err := proto.Marshal(result)
	if err != nil {
		return err
	}
	return c.writeFile(c.acDir, digest.Unprefix(actionDigest.Hash), data, 0o644, true)
}

// GetActionResult looks up a previously stored action result.
func (c *LocalCAS) GetActionResult(actionDigest digest.Digest) (*remoteexecution.ActionResult, bool) {
	data, err := os.ReadFile(filepath.Join(c.acDir, digest.Unprefix(actionDigest.Hash)))
	if err != nil {
		return nil, false
	}
	var result remoteexecution.ActionResult
	if err := proto.Unmarshal(data, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (c *LocalCAS) writeObject(dir, name string, data []byte, mode os.FileMode) error {
	return c.writeFile(dir, name, data, mode, false)
}

func (c *LocalCAS) writeFile(dir, name string, data []byte, mode os.FileMode, overwrite bool) error {
	target := filepath.Join(dir, name)
	if !overwrite {
		if _, err := os.Stat(target); err == nil {
			return nil
		}
	}
	f, err := os.CreateTemp(c.tmpDir, name+".*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		// A concurrent writer beat us to it; the content is
		// identical by construction.
		if !overwrite {
			if _, statErr := os.Stat(target); statErr == nil {
				return nil
			}
		}
		return err
	}
	return nil
}

// ErrNotFound denotes an object absent from the store. The LocalCAS
// accessors themselves report absence through their boolean results
// and do not return it.
var ErrNotFound = errors.New("object not found in local CAS")
