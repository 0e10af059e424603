package remote

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
	"google.golang.org/genproto/googleapis/bytestream"
)

// writeChunkSize is the payload size of one byte-stream write
// request.
const writeChunkSize = 64 << 10

// writeSingleBlob uploads one blob over the byte-stream protocol
// under a fresh upload resource name.
func (c *Client) writeSingleBlob(ctx context.Context, b Blob) error {
	stream, err := c.byteStream.Write(ctx)
	if err != nil {
		return util.StatusWrapf(err, "Failed to open byte stream for blob %s", b.Digest)
	}
	resourceName := c.resourceName(
		"uploads", uuid.New().String(), "blobs",
		digest.Unprefix(b.Digest.Hash), fmt.Sprintf("%d", b.Digest.SizeBytes))
	var offset int64
	for {
		chunk := b.Data[offset:]
		if len(chunk) > writeChunkSize {
			chunk = chunk[:writeChunkSize]
		}
		finish := offset+int64(len(chunk)) == int64(len(b.Data))
		if err := stream.Send(&bytestream.WriteRequest{
			ResourceName: resourceName,
			WriteOffset:  offset,
			FinishWrite:  finish,
			Data:         chunk,
		}); err != nil {
			stream.CloseAndRecv()
			return util.StatusWrapf(err, "Failed to write blob %s", b.Digest)
		}
		offset += int64(len(chunk))
		if finish {
			break
		}
	}
	response, err := stream.CloseAndRecv()
	if err != nil {
		return util.StatusWrapf(err, "Failed to finish writing blob %s", b.Digest)
	}
	if response.CommittedSize != b.Digest.SizeBytes {
		return util.StatusWrapf(
			io.ErrShortWrite, "Blob %s: committed %d of %d bytes",
			b.Digest, response.CommittedSize, b.Digest.SizeBytes)
	}
	return nil
}

// ChunkReader yields the chunks of one byte-stream read. Chunk sizes
// are whatever the server sends; the stream ends with io.EOF.
type ChunkReader struct {
	stream bytestream.ByteStream_ReadClient
	err    error
}

// Next returns the next chunk, or nil and io.EOF at the end of the
// blob.
func (r *ChunkReader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	response, err := r.stream.Recv()
	if err != nil {
		r.err = err
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, util.StatusWrap(err, "Failed to read blob chunk")
	}
	return response.Data, nil
}

// IncrementalReadSingleBlob opens a chunked byte-stream read of one
// blob.
func (c *Client) IncrementalReadSingleBlob(ctx context.Context, d digest.Digest) (*ChunkReader, error) {
	stream, err := c.byteStream.Read(ctx, &bytestream.ReadRequest{
		ResourceName: c.resourceName(
			"blobs", digest.Unprefix(d.Hash), fmt.Sprintf("%d", d.SizeBytes)),
	})
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open byte stream for blob %s", d)
	}
	return &ChunkReader{stream: stream}, nil
}

// readSingleBlob fetches one blob in full over the byte stream.
func (c *Client) readSingleBlob(ctx context.Context, d digest.Digest) (Blob, bool) {
	reader, err := c.IncrementalReadSingleBlob(ctx, d)
	if err != nil {
		log.Printf("Failed to start reading blob %s: %s", d, err)
		return Blob{}, false
	}
	var data []byte
	for {
		chunk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("Failed to read blob %s: %s", d, err)
			return Blob{}, false
		}
		data = append(data, chunk...)
	}
	actual := c.function.FromData(data, d.Kind)
	if digest.Unprefix(actual.Hash) != digest.Unprefix(d.Hash) {
		log.Printf("Blob %s: content hashes to %s", d, actual)
		return Blob{}, false
	}
	return Blob{Digest: d, Data: data}, true
}
