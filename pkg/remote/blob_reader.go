package remote

import (
	"context"
	"log"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
)

// BlobReader is a pull-based iterator over the blobs of a digest
// list. Each Next call groups as many pending digests as fit the
// batch size into one batch read; digests of unknown size and
// digests that alone exceed the batch size are fetched singly over
// the byte stream. An empty batch signals the end.
type BlobReader struct {
	client *Client
	ids    []digest.Digest
	pos    int
}

// ReadBlobs starts a batched read of the given digests.
func (c *Client) ReadBlobs(ids []digest.Digest) *BlobReader {
	return &BlobReader{client: c, ids: ids}
}

// Next returns the next batch of blobs. Failed reads shrink the
// batch; a nil or empty result means the sequence is exhausted.
func (r *BlobReader) Next(ctx context.Context) []Blob {
	begin := r.pos
	var size int64
	for r.pos < len(r.ids) {
		blobSize := r.ids[r.pos].SizeBytes
		size += blobSize
		// Read singly if the size is unknown (0) or the batch
		// would overflow.
		if blobSize == 0 || size > r.client.maxBatchSize {
			if begin == r.pos {
				d := r.ids[r.pos]
				r.pos++
				if blob, ok := r.client.readSingleBlob(ctx, d); ok {
					return []Blob{blob}
				}
			} else if blobs := r.client.batchReadBlobs(ctx, r.ids[begin:r.pos]); len(blobs) > 0 {
				return blobs
			}
			// Nothing was read; go on with the remaining digests
			// so that an empty batch only ever means the end.
			begin, size = r.pos, 0
			continue
		}
		r.pos++
	}
	if begin < r.pos {
		return r.client.batchReadBlobs(ctx, r.ids[begin:r.pos])
	}
	return nil
}

func (c *Client) batchReadBlobs(ctx context.Context, ids []digest.Digest) []Blob {
	request := &remoteexecution.BatchReadBlobsRequest{InstanceName: c.instanceName}
	kinds := make(map[string]digest.Kind, len(ids))
	for _, d := range ids {
		request.Digests = append(request.Digests, d.ToProto())
		kinds[digest.Unprefix(d.Hash)] = d.Kind
	}
	response, err := c.cas.BatchReadBlobs(ctx, request)
	if err != nil {
		log.Printf("Failed to batch-read %d blobs: %s", len(ids), err)
		return nil
	}
	blobs := make([]Blob, 0, len(response.Responses))
	for _, r := range response.Responses {
		if r.GetStatus().GetCode() != 0 {
			continue
		}
		kind := kinds[r.GetDigest().GetHash()]
		blobs = append(blobs, Blob{
			Digest: c.function.FromProto(r.GetDigest(), kind),
			Data:   r.GetData(),
		})
	}
	return blobs
}
