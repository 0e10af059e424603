package remote

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// partitionBySize stably splits blobs into those small enough for
// batch RPCs and those that must travel over the byte stream. Input
// order is preserved within each subset.
func partitionBySize(blobs []Blob, maxBatchSize int64) (small, large []Blob) {
	for _, b := range blobs {
		if int64(len(b.Data)) <= maxBatchSize {
			small = append(small, b)
		} else {
			large = append(large, b)
		}
	}
	return small, large
}

// UploadBlobs transfers blobs to the remote CAS. Unless
// skipFindMissing is set, the set is first narrowed to the blobs the
// remote reports missing. Small blobs are packed into batch update
// RPCs whose total payload stays within the batch size; large blobs
// are streamed individually. The call succeeds only if every batch
// entry is acknowledged and every stream completes.
func (c *Client) UploadBlobs(ctx context.Context, blobs []Blob, skipFindMissing bool) error {
	if !skipFindMissing {
		digests := make([]digest.Digest, 0, len(blobs))
		for _, b := range blobs {
			digests = append(digests, b.Digest)
		}
		missing, err := c.FindMissingBlobs(ctx, digests)
		if err != nil {
			return err
		}
		missingSet := make(map[string]bool, len(missing))
		for _, d := range missing {
			missingSet[d.Hash] = true
		}
		subset := make([]Blob, 0, len(missing))
		for _, b := range blobs {
			if missingSet[b.Digest.Hash] {
				subset = append(subset, b)
			}
		}
		blobs = subset
	}
	if len(blobs) == 0 {
		return nil
	}

	small, large := partitionBySize(blobs, c.maxBatchSize)
	if err := c.batchUpdateBlobs(ctx, small); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, b := range large {
		blob := b
		group.Go(func() error {
			return c.writeSingleBlob(groupCtx, blob)
		})
	}
	return group.Wait()
}

func (c *Client) batchUpdateBlobs(ctx context.Context, blobs []Blob) error {
	var request *remoteexecution.BatchUpdateBlobsRequest
	var requestSize int64
	flush := func() error {
		if request == nil {
			return nil
		}
		response, err := c.cas.BatchUpdateBlobs(ctx, request)
		if err != nil {
			return util.StatusWrap(err, "Failed to upload blob batch")
		}
		if len(response.Responses) != len(request.Requests) {
			return status.Errorf(codes.Internal, "Batch upload acknowledged %d of %d blobs", len(response.Responses), len(request.Requests))
		}
		for _, r := range response.Responses {
			if code := codes.Code(r.GetStatus().GetCode()); code != codes.OK {
				return status.Errorf(code, "Failed to upload blob %s: %s", r.GetDigest().GetHash(), r.GetStatus().GetMessage())
			}
		}
		request, requestSize = nil, 0
		return nil
	}
	for _, b := range blobs {
		if request != nil && requestSize+int64(len(b.Data)) > c.maxBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if request == nil {
			request = &remoteexecution.BatchUpdateBlobsRequest{InstanceName: c.instanceName}
		}
		request.Requests = append(request.Requests, &remoteexecution.BatchUpdateBlobsRequest_Request{
			Digest: b.Digest.ToProto(),
			Data:   b.Data,
		})
		requestSize += int64(len(b.Data))
	}
	return flush()
}
