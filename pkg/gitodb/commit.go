package gitodb

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/justserved/just-served/pkg/util"
)

// nobodySignature is the deterministic identity used for anonymous
// commits and keep tags: epoch-zero timestamps keep object ids stable
// across runs.
func nobodySignature() object.Signature {
	return object.Signature{
		Name:  "Nobody",
		Email: "nobody@example.org",
		When:  time.Unix(0, 0).UTC(),
	}
}

// StageAndCommitAll stages every not-ignored file of the working tree
// and commits the result with a deterministic anonymous author. Each
// file is added explicitly so that .gitignore policy is respected;
// nothing is force-added.
func (o *ODB) StageAndCommitAll(message string) (string, error) {
	if err := o.requireReal(); err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	wt, err := o.repo.Worktree()
	if err != nil {
		return "", util.StatusWrap(err, "Failed to obtain working tree")
	}
	patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil)
	if err != nil {
		return "", util.StatusWrap(err, "Failed to read gitignore patterns")
	}
	wt.Excludes = append(wt.Excludes, patterns...)

	status, err := wt.Status()
	if err != nil {
		return "", util.StatusWrap(err, "Failed to compute working tree status")
	}
	for path, fileStatus := range status {
		if fileStatus.Worktree == git.Deleted {
			if _, err := wt.Remove(path); err != nil {
				return "", util.StatusWrapf(err, "Failed to stage removal of %#v", path)
			}
			continue
		}
		if fileStatus.Worktree != git.Unmodified {
			if _, err := wt.Add(path); err != nil {
				return "", util.StatusWrapf(err, "Failed to stage %#v", path)
			}
		}
	}

	signature := nobodySignature()
	commit, err := wt.Commit(message, &git.CommitOptions{
		Author:            &signature,
		Committer:         &signature,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", util.StatusWrap(err, "Failed to commit staged changes")
	}
	return commit.String(), nil
}

// KeepTag creates the tag keep-<commit> pointing at a commit so the
// object survives garbage collection. A tag that already exists,
// possibly created by a concurrent process, is success. Lock
// contention is retried with bounded back-off.
func (o *ODB) KeepTag(commitHexID, message string) error {
	return o.keep(commitHexID, message)
}

// KeepTree creates the tag keep-<tree> pointing at a tree object.
// Semantics match KeepTag.
func (o *ODB) KeepTree(treeHexID, message string) error {
	return o.keep(treeHexID, message)
}

func (o *ODB) keep(hexID, message string) error {
	if err := o.requireReal(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	tagName := "keep-" + hexID
	var lastErr error
	for i := 0; i < initTries; i++ {
		_, err := o.repo.CreateTag(tagName, plumbing.NewHash(hexID), &git.CreateTagOptions{
			Tagger:  func() *object.Signature { s := nobodySignature(); return &s }(),
			Message: message,
		})
		if err == nil || errors.Is(err, git.ErrTagExists) {
			return nil
		}
		if !isLockContention(err) {
			return err
		}
		lastErr = err
		initSleep(initWait)
	}
	return lastErr
}

// GetSubtreeFromCommit resolves the tree of a subdirectory within a
// commit's root tree. A missing commit reports ErrNotFound so that
// callers may fall back to fetching; any other failure is fatal.
func (o *ODB) GetSubtreeFromCommit(commitHexID, subdir string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	commit, err := object.GetCommit(o.storer, plumbing.NewHash(commitHexID))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return "", ErrNotFound
		}
		return "", util.StatusWrapf(err, "Failed to look up commit %s", commitHexID)
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", util.StatusWrapf(err, "Failed to read root tree of commit %s", commitHexID)
	}
	return subtreeHash(tree, subdir)
}

// GetSubtreeFromTree resolves the tree of a subdirectory within
// another tree.
func (o *ODB) GetSubtreeFromTree(treeHexID, subdir string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	tree, err := object.GetTree(o.storer, plumbing.NewHash(treeHexID))
	if err != nil {
		return "", false
	}
	h, err := subtreeHash(tree, subdir)
	if err != nil {
		return "", false
	}
	return h, true
}

// GetSubtreeFromPath resolves a filesystem path against the
// repository root and returns the corresponding subtree of the given
// commit.
func (o *ODB) GetSubtreeFromPath(fsPath, commitHexID string) (string, bool) {
	if o.requireReal() != nil {
		return "", false
	}
	root, err := filepath.Abs(o.path)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(fsPath)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	h, err := o.GetSubtreeFromCommit(commitHexID, filepath.ToSlash(rel))
	if err != nil {
		return "", false
	}
	return h, true
}

func subtreeHash(tree *object.Tree, subdir string) (string, error) {
	subdir = strings.Trim(filepath.ToSlash(subdir), "/")
	if subdir == "" || subdir == "." {
		return tree.Hash.String(), nil
	}
	sub, err := tree.Tree(subdir)
	if err != nil {
		return "", util.StatusWrapf(err, "Failed to resolve subdirectory %#v", subdir)
	}
	return sub.Hash.String(), nil
}
