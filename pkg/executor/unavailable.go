package executor

import (
	"github.com/justserved/just-served/pkg/digest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type unavailableAPI struct{}

// NewUnavailableAPI returns an API whose actions cannot be created.
// The standalone server uses it until an embedding build tool wires
// in a real executor, keeping the service surface complete. Action
// creation fails with Unavailable, which the execution service
// reports to Execute clients as an INTERNAL error.
func NewUnavailableAPI() API {
	return unavailableAPI{}
}

func (unavailableAPI) CreateAction(inputRoot digest.Digest, arguments, outputFiles, outputDirectories []string, envVars map[string]string, cacheFlag CacheFlag) (Action, error) {
	return nil, status.Error(codes.Unavailable, "No local executor configured")
}
