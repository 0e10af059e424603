package gitodb

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
)

const (
	// initTries bounds the number of attempts InitAndOpen makes
	// when another process holds the repository lock.
	initTries = 10
	// initWait is the pause between attempts.
	initWait = 100 * time.Millisecond
)

// Overridable for lock-retry tests.
var (
	initRepository = func(path string, bare bool) (*git.Repository, error) {
		return git.PlainInit(path, bare)
	}
	initSleep = time.Sleep
)

// ErrNotFound reports that a referenced commit, tree or blob is
// absent from the object database. Callers distinguish it from fatal
// lookup failures to decide between fallback and surfacing.
var ErrNotFound = errors.New("object not found in object database")

// ODB wraps a Git object database. A real ODB is backed by an
// on-disk repository and additionally supports staging, committing,
// tagging and fetching. A fake ODB is backed by an in-memory storer
// and only supports object-level operations; it lives for the
// duration of a single tree-build operation.
//
// Each ODB carries a readers/writer lock: object reads take the
// shared side, structural writes (init, commit, tag, fetch, raw
// object writes) the exclusive side. Fake ODBs carry the lock too,
// for uniform semantics.
type ODB struct {
	mu     sync.RWMutex
	repo   *git.Repository
	storer storage.Storer
	path   string
	fake   bool
}

// Open opens an existing on-disk repository.
func Open(path string) (*ODB, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	return &ODB{repo: repo, storer: repo.Storer, path: path}, nil
}

// OpenFake creates an ODB over a fresh in-memory object database.
func OpenFake() *ODB {
	return &ODB{storer: memory.NewStorage(), fake: true}
}

// InitAndOpen creates a repository at the given path if needed and
// opens it. Creation is idempotent: finding an already initialized
// repository is success. Lock contention with a concurrent
// initializer is retried with bounded back-off.
func InitAndOpen(path string, bare bool) (*ODB, error) {
	var lastErr error
	for i := 0; i < initTries; i++ {
		repo, err := initRepository(path, bare)
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			repo, err = git.PlainOpen(path)
		}
		if err == nil {
			return &ODB{repo: repo, storer: repo.Storer, path: path}, nil
		}
		if !isLockContention(err) {
			return nil, err
		}
		lastErr = err
		initSleep(initWait)
	}
	return nil, lastErr
}

// isLockContention reports whether an error looks like transient
// repository lock contention rather than a permanent failure.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return strings.HasSuffix(pathErr.Path, ".lock")
	}
	return strings.Contains(err.Error(), "lock")
}

// IsFake returns whether the ODB is backed by an in-memory storer.
func (o *ODB) IsFake() bool {
	return o.fake
}

// Path returns the on-disk location of a real repository.
func (o *ODB) Path() string {
	return o.path
}

func (o *ODB) requireReal() error {
	if o.fake {
		return errors.New("operation requires an on-disk repository")
	}
	return nil
}

// CheckCommitExists reports whether a commit object with the given
// hex id is present. A missing object is not an error.
func (o *ODB) CheckCommitExists(hexID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, err := object.GetCommit(o.storer, plumbing.NewHash(hexID))
	return objectPresence(err)
}

// CheckTreeExists reports whether a tree object with the given hex
// id is present.
func (o *ODB) CheckTreeExists(hexID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, err := object.GetTree(o.storer, plumbing.NewHash(hexID))
	return objectPresence(err)
}

// CheckBlobExists reports whether a blob object with the given hex
// id is present.
func (o *ODB) CheckBlobExists(hexID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, err := object.GetBlob(o.storer, plumbing.NewHash(hexID))
	return objectPresence(err)
}

func objectPresence(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// TryReadBlob returns the content of a blob if present. The boolean
// reports presence; the error reports fatal lookup failures only.
func (o *ODB) TryReadBlob(hexID string) ([]byte, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	blob, err := object.GetBlob(o.storer, plumbing.NewHash(hexID))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// WriteBlob stores a blob object and returns its hex id.
func (o *ODB) WriteBlob(data []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj := o.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	h, err := o.storer.SetEncodedObject(obj)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// GetHeadCommit returns the hex id of the commit HEAD points to.
func (o *ODB) GetHeadCommit() (string, error) {
	if err := o.requireReal(); err != nil {
		return "", err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ref, err := o.repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}
