package execution

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/storage"
)

// ActionCacheServer serves action results the execution service
// stored. The cache is populated exclusively by the server itself,
// so client-side updates are rejected.
type ActionCacheServer struct {
	remoteexecution.UnimplementedActionCacheServer

	storage          *storage.LocalCAS
	garbageCollector *storage.GarbageCollector
	function         digest.Function
}

// NewActionCacheServer creates an ActionCacheServer over a local CAS.
func NewActionCacheServer(localCAS *storage.LocalCAS, garbageCollector *storage.GarbageCollector) *ActionCacheServer {
	return &ActionCacheServer{
		storage:          localCAS,
		garbageCollector: garbageCollector,
		function:         localCAS.Function(),
	}
}

// GetActionResult looks up the cached result for an action digest.
func (s *ActionCacheServer) GetActionResult(ctx context.Context, request *remoteexecution.GetActionResultRequest) (*remoteexecution.ActionResult, error) {
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return nil, internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	actionDigest := s.function.FromProto(request.GetActionDigest(), digest.KindBlob)
	result, ok := s.storage.GetActionResult(actionDigest)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "No action result for action %s", request.GetActionDigest().GetHash())
	}
	return result, nil
}

// UpdateActionResult is not provided; only the execution service
// writes cache entries.
func (s *ActionCacheServer) UpdateActionResult(ctx context.Context, request *remoteexecution.UpdateActionResultRequest) (*remoteexecution.ActionResult, error) {
	return nil, status.Error(codes.Unimplemented, "This service can only be used to get action results")
}
