package remote

import (
	"context"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxBatchTransferSize is the default cut-off between batched RPCs
// and byte-stream transfers, and the size cap of one batch RPC.
const MaxBatchTransferSize = 4 << 20

// Blob pairs content with its digest for transfer.
type Blob struct {
	Digest       digest.Digest
	Data         []byte
	IsExecutable bool
}

// Client talks to an upstream CAS, action cache and execution
// service over the Remote Execution wire protocol.
type Client struct {
	instanceName string
	function     digest.Function
	maxBatchSize int64

	cas          remoteexecution.ContentAddressableStorageClient
	actionCache  remoteexecution.ActionCacheClient
	execution    remoteexecution.ExecutionClient
	capabilities remoteexecution.CapabilitiesClient
	byteStream   bytestream.ByteStreamClient

	splitSupport *capabilityProbe
}

// NewClient creates a client over an established connection. The
// maximum batch size bounds both the total payload of one batch RPC
// and the size above which blobs travel over the byte-stream
// protocol.
func NewClient(conn grpc.ClientConnInterface, instanceName string, function digest.Function, maximumBatchSizeBytes int64) *Client {
	return &Client{
		instanceName: instanceName,
		function:     function,
		maxBatchSize: maximumBatchSizeBytes,
		cas:          remoteexecution.NewContentAddressableStorageClient(conn),
		actionCache:  remoteexecution.NewActionCacheClient(conn),
		execution:    remoteexecution.NewExecutionClient(conn),
		capabilities: remoteexecution.NewCapabilitiesClient(conn),
		byteStream:   bytestream.NewByteStreamClient(conn),
		splitSupport: &capabilityProbe{},
	}
}

// Function returns the client's hash function.
func (c *Client) Function() digest.Function {
	return c.function
}

// FindMissingBlobs probes which of the given digests the remote CAS
// does not hold, in a single RPC.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	request := &remoteexecution.FindMissingBlobsRequest{
		InstanceName: c.instanceName,
	}
	kinds := map[string]digest.Digest{}
	for _, d := range digests {
		request.BlobDigests = append(request.BlobDigests, d.ToProto())
		kinds[digest.Unprefix(d.Hash)] = d
	}
	response, err := c.cas.FindMissingBlobs(ctx, request)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to find missing blobs")
	}
	missing := make([]digest.Digest, 0, len(response.MissingBlobDigests))
	for _, d := range response.MissingBlobDigests {
		if original, ok := kinds[d.GetHash()]; ok {
			missing = append(missing, original)
		} else {
			missing = append(missing, c.function.FromProto(d, digest.KindBlob))
		}
	}
	return missing, nil
}

// IsAvailable reports whether a single digest is present remotely.
func (c *Client) IsAvailable(ctx context.Context, d digest.Digest) (bool, error) {
	missing, err := c.FindMissingBlobs(ctx, []digest.Digest{d})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// GetCachedActionResult looks up an action result in the remote
// action cache. Absence reports false without error.
func (c *Client) GetCachedActionResult(ctx context.Context, actionDigest digest.Digest, outputFiles []string) (*remoteexecution.ActionResult, bool, error) {
	result, err := c.actionCache.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
		InstanceName:      c.instanceName,
		ActionDigest:      actionDigest.ToProto(),
		InlineOutputFiles: outputFiles,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, util.StatusWrap(err, "Failed to get cached action result")
	}
	return result, true, nil
}

// GetCapabilities fetches the server's advertised capabilities.
func (c *Client) GetCapabilities(ctx context.Context) (*remoteexecution.ServerCapabilities, error) {
	return c.capabilities.GetCapabilities(ctx, &remoteexecution.GetCapabilitiesRequest{
		InstanceName: c.instanceName,
	})
}

// resourceName joins resource path segments, eliding an empty
// instance name.
func (c *Client) resourceName(segments ...string) string {
	if c.instanceName == "" {
		return strings.Join(segments, "/")
	}
	return c.instanceName + "/" + strings.Join(segments, "/")
}
