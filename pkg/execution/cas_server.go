package execution

import (
	"context"
	"os"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/storage"
	"github.com/justserved/just-served/pkg/treeconv"
)

// CASServer exposes the local CAS over the Remote Execution wire
// protocol.
type CASServer struct {
	remoteexecution.UnimplementedContentAddressableStorageServer

	storage          *storage.LocalCAS
	garbageCollector *storage.GarbageCollector
	function         digest.Function
}

// NewCASServer creates a CASServer over a local CAS.
func NewCASServer(localCAS *storage.LocalCAS, garbageCollector *storage.GarbageCollector) *CASServer {
	return &CASServer{
		storage:          localCAS,
		garbageCollector: garbageCollector,
		function:         localCAS.Function(),
	}
}

// FindMissingBlobs reports which of the requested digests are absent
// from the store.
func (s *CASServer) FindMissingBlobs(ctx context.Context, request *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return nil, internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	response := &remoteexecution.FindMissingBlobsResponse{}
	for _, d := range request.GetBlobDigests() {
		if _, ok := s.storage.LookupAny(d.GetHash()); !ok {
			response.MissingBlobDigests = append(response.MissingBlobDigests, d)
		}
	}
	return response, nil
}

// BatchUpdateBlobs stores a batch of blobs, verifying each digest.
// Failures are reported per blob.
func (s *CASServer) BatchUpdateBlobs(ctx context.Context, request *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return nil, internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	response := &remoteexecution.BatchUpdateBlobsResponse{}
	for _, r := range request.GetRequests() {
		entry := &remoteexecution.BatchUpdateBlobsResponse_Response{
			Digest: r.GetDigest(),
			Status: &statuspb.Status{Code: int32(codes.OK)},
		}
		if err := s.storeVerified(r.GetDigest(), r.GetData()); err != nil {
			st := status.Convert(err)
			entry.Status = &statuspb.Status{Code: int32(st.Code()), Message: st.Message()}
		}
		response.Responses = append(response.Responses, entry)
	}
	return response, nil
}

// storeVerified stores content under the digest the client claims,
// rejecting mismatches. In native mode a payload hashing to the
// claimed digest under tree hashing is stored as a tree object.
func (s *CASServer) storeVerified(claimed *remoteexecution.Digest, data []byte) error {
	blobDigest := s.function.FromData(data, digest.KindBlob)
	if digest.Unprefix(blobDigest.Hash) == claimed.GetHash() {
		if int64(len(data)) != claimed.GetSizeBytes() {
			return status.Errorf(codes.InvalidArgument, "Blob size is %d, claimed %d", len(data), claimed.GetSizeBytes())
		}
		_, err := s.storage.StoreBlob(data, false)
		return err
	}
	if !s.function.Compatible() {
		treeDigest := s.function.FromData(data, digest.KindTree)
		if digest.Unprefix(treeDigest.Hash) == claimed.GetHash() {
			_, err := s.storage.StoreTree(data)
			return err
		}
	}
	return status.Errorf(codes.InvalidArgument, "Data does not hash to %s", claimed.GetHash())
}

// BatchReadBlobs fetches a batch of blobs from the store. Absent
// blobs are reported per entry, not as a call failure.
func (s *CASServer) BatchReadBlobs(ctx context.Context, request *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return nil, internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	response := &remoteexecution.BatchReadBlobsResponse{}
	for _, d := range request.GetDigests() {
		entry := &remoteexecution.BatchReadBlobsResponse_Response{Digest: d}
		if path, ok := s.storage.LookupAny(d.GetHash()); ok {
			data, err := os.ReadFile(path)
			if err == nil {
				entry.Data = data
				entry.Status = &statuspb.Status{Code: int32(codes.OK)}
			} else {
				entry.Status = &statuspb.Status{Code: int32(codes.Internal), Message: err.Error()}
			}
		} else {
			entry.Status = &statuspb.Status{Code: int32(codes.NotFound), Message: "Blob not found"}
		}
		response.Responses = append(response.Responses, entry)
	}
	return response, nil
}

// GetTree streams every Directory reachable from a root Directory.
// Only meaningful in compatible mode, where directories are stored
// as Directory messages.
func (s *CASServer) GetTree(request *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	if !s.function.Compatible() {
		return status.Error(codes.Unimplemented, "GetTree requires compatible mode")
	}
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	rootDigest := s.function.FromProto(request.GetRootDigest(), digest.KindBlob)
	response := &remoteexecution.GetTreeResponse{}
	visited := map[string]bool{}
	pending := []digest.Digest{rootDigest}
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited[next.Hash] {
			continue
		}
		visited[next.Hash] = true
		data, ok := s.storage.ReadBlob(next, false)
		if !ok {
			return status.Errorf(codes.NotFound, "Directory %s absent from CAS", next)
		}
		directory, err := treeconv.DirectoryFromBytes(data)
		if err != nil {
			return err
		}
		response.Directories = append(response.Directories, directory)
		for _, child := range directory.GetDirectories() {
			pending = append(pending, s.function.FromProto(child.GetDigest(), digest.KindBlob))
		}
	}
	return stream.Send(response)
}
