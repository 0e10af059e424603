package remote

import (
	"bytes"
	"context"
	"io"
	"log"
	"sync"

	"github.com/aclements/go-rabin/rabin"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Content-defined chunking parameters. The window and size bounds
// keep chunk boundaries stable under local edits so re-splitting a
// slightly changed blob reuses most chunks.
const (
	chunkWindowSize  = 64
	chunkMinSize     = 128 << 10
	chunkAverageSize = 1 << 20
	chunkMaxSize     = 2 << 20
)

var chunkTable = rabin.NewTable(rabin.Poly64, chunkWindowSize)

// capabilityProbe caches the one-time support check shared by
// SplitBlob and SpliceBlob.
type capabilityProbe struct {
	once      sync.Once
	supported bool
}

func (c *Client) probeSplitSupport(ctx context.Context) bool {
	c.splitSupport.once.Do(func() {
		capabilities, err := c.GetCapabilities(ctx)
		if err != nil {
			log.Printf("Failed to probe server capabilities: %s", err)
			return
		}
		cache := capabilities.GetCacheCapabilities()
		if cache == nil {
			return
		}
		for _, fn := range cache.GetDigestFunctions() {
			if fn == c.function.DigestFunction() {
				c.splitSupport.supported = true
				return
			}
		}
	})
	return c.splitSupport.supported
}

// BlobSplitSupport reports whether the remote endpoint can serve the
// chunk transfers splitting relies on. The probe runs once and is
// cached.
func (c *Client) BlobSplitSupport(ctx context.Context) bool {
	return c.probeSplitSupport(ctx)
}

// BlobSpliceSupport reports whether reassembling a blob from chunks
// is supported remotely.
func (c *Client) BlobSpliceSupport(ctx context.Context) bool {
	return c.probeSplitSupport(ctx)
}

// SplitBlob cuts a remote blob into content-defined chunks, stores
// every chunk in the remote CAS and returns the chunk digests in
// order. Callers that detect lack of support fall back to plain
// reads.
func (c *Client) SplitBlob(ctx context.Context, d digest.Digest) ([]digest.Digest, error) {
	if !c.BlobSplitSupport(ctx) {
		return nil, status.Error(codes.Unimplemented, "Blob splitting not supported by this endpoint")
	}
	blob, ok := c.readSingleBlob(ctx, d)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Blob %s absent from remote CAS", d)
	}

	chunker := rabin.NewChunker(chunkTable, bytes.NewReader(blob.Data), chunkMinSize, chunkAverageSize, chunkMaxSize)
	var chunkDigests []digest.Digest
	var chunks []Blob
	remaining := blob.Data
	for {
		length, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to chunk blob %s", d)
		}
		data := remaining[:length]
		remaining = remaining[length:]
		chunkDigest := c.function.FromData(data, digest.KindBlob)
		chunkDigests = append(chunkDigests, chunkDigest)
		chunks = append(chunks, Blob{Digest: chunkDigest, Data: data})
	}
	if err := c.UploadBlobs(ctx, chunks, false); err != nil {
		return nil, util.StatusWrapf(err, "Failed to upload chunks of blob %s", d)
	}
	return chunkDigests, nil
}

// SpliceBlob reassembles a blob from previously stored chunks,
// verifies the result against the expected digest and stores it in
// the remote CAS.
func (c *Client) SpliceBlob(ctx context.Context, d digest.Digest, chunkDigests []digest.Digest) (digest.Digest, error) {
	if !c.BlobSpliceSupport(ctx) {
		return digest.Digest{}, status.Error(codes.Unimplemented, "Blob splicing not supported by this endpoint")
	}
	contents := make(map[string][]byte, len(chunkDigests))
	reader := c.ReadBlobs(dedupeDigests(chunkDigests))
	for {
		batch := reader.Next(ctx)
		if len(batch) == 0 {
			break
		}
		for _, blob := range batch {
			contents[blob.Digest.Hash] = blob.Data
		}
	}

	var data []byte
	for _, chunkDigest := range chunkDigests {
		chunk, ok := contents[chunkDigest.Hash]
		if !ok {
			return digest.Digest{}, status.Errorf(codes.NotFound, "Chunk %s absent from remote CAS", chunkDigest)
		}
		data = append(data, chunk...)
	}
	spliced := c.function.FromData(data, d.Kind)
	if digest.Unprefix(spliced.Hash) != digest.Unprefix(d.Hash) {
		return digest.Digest{}, status.Errorf(codes.InvalidArgument, "Spliced content hashes to %s, want %s", spliced, d)
	}
	if err := c.UploadBlobs(ctx, []Blob{{Digest: spliced, Data: data}}, false); err != nil {
		return digest.Digest{}, util.StatusWrapf(err, "Failed to upload spliced blob %s", d)
	}
	return spliced, nil
}

func dedupeDigests(ds []digest.Digest) []digest.Digest {
	seen := make(map[string]bool, len(ds))
	out := make([]digest.Digest, 0, len(ds))
	for _, d := range ds {
		if !seen[d.Hash] {
			seen[d.Hash] = true
			out = append(out, d)
		}
	}
	return out
}
