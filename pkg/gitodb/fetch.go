package gitodb

import (
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/justserved/just-served/pkg/util"
)

// fetchRefSpecs returns the forced refspecs for fetching either one
// branch (as both a head and a tag, as the remote may carry either)
// or all refs.
func fetchRefSpecs(branch string) []config.RefSpec {
	if branch == "" {
		return []config.RefSpec{"+refs/*:refs/*"}
	}
	return []config.RefSpec{
		config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)),
		config.RefSpec(fmt.Sprintf("+refs/tags/%s:refs/tags/%s", branch, branch)),
	}
}

// FetchFromPath fetches refs from a repository on the local
// filesystem into this one. With a branch given, only that branch is
// fetched; otherwise all refs. The fetch goes through an anonymous
// remote, verifies no TLS, uses no proxy and does not update
// FETCH_HEAD.
func (o *ODB) FetchFromPath(repoPath, branch string) error {
	if err := o.requireReal(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return fetchInto(o.repo.Storer, repoPath, branch)
}

func fetchInto(s storage.Storer, repoPath, branch string) error {
	remote := git.NewRemote(s, &config.RemoteConfig{
		Name: "anonymous",
		URLs: []string{repoPath},
	})
	err := remote.Fetch(&git.FetchOptions{
		RefSpecs:        fetchRefSpecs(branch),
		Tags:            git.NoTags,
		Force:           true,
		InsecureSkipTLS: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		// A partial fetch of the two per-branch refspecs is
		// acceptable: a remote typically carries the name as
		// either a head or a tag, not both.
		var noMatch git.NoMatchingRefSpecError
		if branch != "" && errors.As(err, &noMatch) {
			return retrySingleRefSpec(s, repoPath, branch)
		}
		return util.StatusWrapf(err, "Failed to fetch from %#v", repoPath)
	}
	return nil
}

func retrySingleRefSpec(s storage.Storer, repoPath, branch string) error {
	var lastErr error
	for _, spec := range fetchRefSpecs(branch) {
		remote := git.NewRemote(s, &config.RemoteConfig{
			Name: "anonymous",
			URLs: []string{repoPath},
		})
		err := remote.Fetch(&git.FetchOptions{
			RefSpecs:        []config.RefSpec{spec},
			Tags:            git.NoTags,
			Force:           true,
			InsecureSkipTLS: true,
		})
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		lastErr = err
	}
	return util.StatusWrapf(lastErr, "Failed to fetch branch %#v from %#v", branch, repoPath)
}

// writeThroughStorage is the ephemeral storage used by
// LocalFetchViaTmpRepo: references, index and config live in memory
// and are discarded afterwards, while object reads and writes pass
// through to the target object database. Fetching into it streams
// pack objects directly into the target without leaving refs behind.
type writeThroughStorage struct {
	*memory.Storage
	objects storer.EncodedObjectStorer
}

func (s *writeThroughStorage) NewEncodedObject() plumbing.EncodedObject {
	return s.objects.NewEncodedObject()
}

func (s *writeThroughStorage) SetEncodedObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	return s.objects.SetEncodedObject(obj)
}

func (s *writeThroughStorage) EncodedObject(t plumbing.ObjectType, h plumbing.Hash) (plumbing.EncodedObject, error) {
	return s.objects.EncodedObject(t, h)
}

func (s *writeThroughStorage) IterEncodedObjects(t plumbing.ObjectType) (storer.EncodedObjectIter, error) {
	return s.objects.IterEncodedObjects(t)
}

func (s *writeThroughStorage) HasEncodedObject(h plumbing.Hash) error {
	return s.objects.HasEncodedObject(h)
}

func (s *writeThroughStorage) EncodedObjectSize(h plumbing.Hash) (int64, error) {
	return s.objects.EncodedObjectSize(h)
}

// Begin keeps transactional pack updates on the write-through path.
// Objects land in the target immediately; an aborted fetch leaves
// orphans behind, which the garbage collector reclaims.
func (s *writeThroughStorage) Begin() storer.Transaction {
	return &writeThroughTransaction{objects: s.objects}
}

type writeThroughTransaction struct {
	objects storer.EncodedObjectStorer
}

func (t *writeThroughTransaction) SetEncodedObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	return t.objects.SetEncodedObject(obj)
}

func (t *writeThroughTransaction) EncodedObject(objType plumbing.ObjectType, h plumbing.Hash) (plumbing.EncodedObject, error) {
	return t.objects.EncodedObject(objType, h)
}

func (t *writeThroughTransaction) Commit() error {
	return nil
}

func (t *writeThroughTransaction) Rollback() error {
	return nil
}

// LocalFetchViaTmpRepo fetches from a repository on the local
// filesystem through an ephemeral repository whose object writes are
// delegated to this ODB. The target gains the fetched objects but no
// references.
func (o *ODB) LocalFetchViaTmpRepo(repoPath, branch string) error {
	if err := o.requireReal(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	wts := &writeThroughStorage{
		Storage: memory.NewStorage(),
		objects: o.repo.Storer,
	}
	return fetchInto(wts, repoPath, branch)
}
