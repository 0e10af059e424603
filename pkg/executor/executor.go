// Package executor declares the interface the execution service
// consumes from the local executor that actually runs action
// commands. The executor itself is an external collaborator; only
// its contract lives here.
package executor

import (
	"context"

	"github.com/justserved/just-served/pkg/digest"
)

// CacheFlag controls whether an action's outputs may be stored in
// the action cache.
type CacheFlag int

const (
	// CacheOutput allows storing the result in the action cache.
	CacheOutput CacheFlag = iota
	// DoNotCacheOutput forbids it, per Action.do_not_cache.
	DoNotCacheOutput
)

// Action is a single prepared execution: command, environment and
// input root are bound, and Execute dispatches it.
type Action interface {
	Execute(ctx context.Context) (Response, error)
}

// Response exposes the outcome of one executed action.
type Response interface {
	ExitCode() int
	HasStdOut() bool
	StdOut() []byte
	HasStdErr() bool
	StdErr() []byte
	// Artifacts maps each declared output path to the stored
	// object it produced.
	Artifacts() map[string]digest.ObjectInfo
	// IsCached reports whether the response was replayed from a
	// cache rather than freshly executed.
	IsCached() bool
}

// API creates executable actions.
type API interface {
	CreateAction(
		inputRoot digest.Digest,
		arguments []string,
		outputFiles []string,
		outputDirectories []string,
		envVars map[string]string,
		cacheFlag CacheFlag,
	) (Action, error)
}
