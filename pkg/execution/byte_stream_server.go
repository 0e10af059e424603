package execution

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/storage"
)

// readChunkSize is the payload size of one byte-stream read response.
const readChunkSize = 64 << 10

// ByteStreamServer serves large blob transfers. Resource names
// follow the Remote Execution conventions:
//
//	[{instance}/]blobs/{hash}/{size}                     (reads)
//	[{instance}/]uploads/{uuid}/blobs/{hash}/{size}      (writes)
type ByteStreamServer struct {
	bytestream.UnimplementedByteStreamServer

	storage          *storage.LocalCAS
	garbageCollector *storage.GarbageCollector
	function         digest.Function
}

// NewByteStreamServer creates a ByteStreamServer over a local CAS.
func NewByteStreamServer(localCAS *storage.LocalCAS, garbageCollector *storage.GarbageCollector) *ByteStreamServer {
	return &ByteStreamServer{
		storage:          localCAS,
		garbageCollector: garbageCollector,
		function:         localCAS.Function(),
	}
}

// parseResourceName extracts hash and size from a resource name,
// tolerating an arbitrary instance name prefix.
func parseResourceName(name string, write bool) (hash string, size int64, err error) {
	fields := strings.Split(name, "/")
	for i, f := range fields {
		if f != "blobs" {
			continue
		}
		// The marker of a write resource follows
		// "uploads/{uuid}".
		if write && (i < 2 || fields[i-2] != "uploads") {
			continue
		}
		if len(fields)-i != 3 {
			break
		}
		size, parseErr := strconv.ParseInt(fields[i+2], 10, 64)
		if parseErr != nil || size < 0 {
			break
		}
		return fields[i+1], size, nil
	}
	return "", 0, status.Error(codes.InvalidArgument, "Invalid resource naming scheme")
}

// Read streams a stored blob in chunks.
func (s *ByteStreamServer) Read(request *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	hash, _, err := parseResourceName(request.GetResourceName(), false)
	if err != nil {
		return err
	}
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	path, ok := s.storage.LookupAny(hash)
	if !ok {
		return status.Errorf(codes.NotFound, "Blob %s not found", hash)
	}
	f, err := os.Open(path)
	if err != nil {
		return internalError("Could not open blob %s: %s", hash, err)
	}
	defer f.Close()
	if offset := request.GetReadOffset(); offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return status.Errorf(codes.OutOfRange, "Invalid read offset %d for blob %s", offset, hash)
		}
	}

	buffer := make([]byte, readChunkSize)
	for {
		n, err := f.Read(buffer)
		if n > 0 {
			if err := stream.Send(&bytestream.ReadResponse{Data: buffer[:n]}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return internalError("Could not read blob %s: %s", hash, err)
		}
	}
}

// Write accepts a full blob upload and stores it after verifying the
// content against the digest embedded in the resource name.
func (s *ByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return internalError("Could not acquire shared GC lock")
	}
	defer lock.Release()

	var hash string
	var claimedSize int64
	var data []byte
	named := false
	for {
		request, err := stream.Recv()
		if err == io.EOF {
			return status.Error(codes.InvalidArgument, "Write ended before FinishWrite")
		}
		if err != nil {
			return err
		}
		if !named {
			hash, claimedSize, err = parseResourceName(request.GetResourceName(), true)
			if err != nil {
				return err
			}
			named = true
		}
		if request.GetWriteOffset() != int64(len(data)) {
			return status.Errorf(codes.InvalidArgument, "Write offset %d does not match received size %d", request.GetWriteOffset(), len(data))
		}
		data = append(data, request.GetData()...)
		if request.GetFinishWrite() {
			break
		}
	}

	if int64(len(data)) != claimedSize {
		return status.Errorf(codes.InvalidArgument, "Received %d bytes, resource name claims %d", len(data), claimedSize)
	}
	if err := s.store(hash, data); err != nil {
		return err
	}
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(data))})
}

func (s *ByteStreamServer) store(hash string, data []byte) error {
	blobDigest := s.function.FromData(data, digest.KindBlob)
	if digest.Unprefix(blobDigest.Hash) == hash {
		_, err := s.storage.StoreBlob(data, false)
		return err
	}
	if !s.function.Compatible() {
		treeDigest := s.function.FromData(data, digest.KindTree)
		if digest.Unprefix(treeDigest.Hash) == hash {
			_, err := s.storage.StoreTree(data)
			return err
		}
	}
	return status.Errorf(codes.InvalidArgument, "Data does not hash to %s", hash)
}

// QueryWriteStatus is not provided; uploads restart from scratch.
func (s *ByteStreamServer) QueryWriteStatus(ctx context.Context, request *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "QueryWriteStatus not implemented")
}
