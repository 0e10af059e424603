package execution

import (
	"context"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// OperationsServer is registered for protocol completeness only:
// Execute completes synchronously with a single finished operation,
// so there are no stored operations to query or cancel.
type OperationsServer struct {
	longrunningpb.UnimplementedOperationsServer
}

// NewOperationsServer creates an OperationsServer.
func NewOperationsServer() *OperationsServer {
	return &OperationsServer{}
}

// ListOperations is not provided.
func (s *OperationsServer) ListOperations(ctx context.Context, request *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "ListOperations not implemented")
}

// GetOperation is not provided.
func (s *OperationsServer) GetOperation(ctx context.Context, request *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	return nil, status.Error(codes.Unimplemented, "GetOperation not implemented")
}

// DeleteOperation is not provided.
func (s *OperationsServer) DeleteOperation(ctx context.Context, request *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "DeleteOperation not implemented")
}

// CancelOperation is not provided.
func (s *OperationsServer) CancelOperation(ctx context.Context, request *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "CancelOperation not implemented")
}
