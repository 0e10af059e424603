package execution

import (
	"context"

	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/remote"
)

// CapabilitiesServer advertises exactly the hash algorithm the
// instance runs with: SHA-256 in compatible mode, SHA-1 otherwise.
type CapabilitiesServer struct {
	remoteexecution.UnimplementedCapabilitiesServer

	function digest.Function
}

// NewCapabilitiesServer creates a CapabilitiesServer for a hash
// function.
func NewCapabilitiesServer(function digest.Function) *CapabilitiesServer {
	return &CapabilitiesServer{function: function}
}

// GetCapabilities returns the server's capabilities.
func (s *CapabilitiesServer) GetCapabilities(ctx context.Context, request *remoteexecution.GetCapabilitiesRequest) (*remoteexecution.ServerCapabilities, error) {
	return &remoteexecution.ServerCapabilities{
		CacheCapabilities: &remoteexecution.CacheCapabilities{
			DigestFunctions: []remoteexecution.DigestFunction_Value{s.function.DigestFunction()},
			ActionCacheUpdateCapabilities: &remoteexecution.ActionCacheUpdateCapabilities{
				UpdateEnabled: false,
			},
			MaxBatchTotalSizeBytes:      remote.MaxBatchTransferSize,
			SymlinkAbsolutePathStrategy: remoteexecution.SymlinkAbsolutePathStrategy_DISALLOWED,
		},
		ExecutionCapabilities: &remoteexecution.ExecutionCapabilities{
			DigestFunction:  s.function.DigestFunction(),
			DigestFunctions: []remoteexecution.DigestFunction_Value{s.function.DigestFunction()},
			ExecEnabled:     true,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2},
	}, nil
}
