package remote

import (
	"context"
	"io"
	"log"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/util"
)

// ExecuteActionSync runs an already uploaded action remotely and
// blocks until the operation completes. It returns nil if the
// operation ends in any state other than finished-with-response.
func (c *Client) ExecuteActionSync(ctx context.Context, actionDigest digest.Digest) (*remoteexecution.ExecuteResponse, error) {
	stream, err := c.execution.Execute(ctx, &remoteexecution.ExecuteRequest{
		InstanceName: c.instanceName,
		ActionDigest: actionDigest.ToProto(),
	})
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to start execution of action %s", actionDigest)
	}
	for {
		operation, err := stream.Recv()
		if err == io.EOF {
			log.Printf("Execution of action %s ended without a finished operation", actionDigest)
			return nil, nil
		}
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to execute action %s", actionDigest)
		}
		if !operation.GetDone() {
			continue
		}
		packed := operation.GetResponse()
		if packed == nil {
			log.Printf("Execution of action %s finished without output", actionDigest)
			return nil, nil
		}
		var response remoteexecution.ExecuteResponse
		if err := packed.UnmarshalTo(&response); err != nil {
			return nil, util.StatusWrapf(err, "Failed to unpack execute response for action %s", actionDigest)
		}
		return &response, nil
	}
}
