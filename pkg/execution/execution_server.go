package execution

import (
	"log"
	"sort"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/executor"
	"github.com/justserved/just-served/pkg/storage"
	"github.com/justserved/just-served/pkg/treeconv"
)

var (
	executeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "just_served",
			Subsystem: "execution",
			Name:      "execute_duration_seconds",
			Help:      "Wall time of Execute requests, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(executeDurationSeconds)
}

// operationName is the name of the single synthetic operation every
// Execute call completes with; there is no operation store to resume
// from, which is also why WaitExecution stays unimplemented.
const operationName = "just-remote-execution"

// ExecutionServer implements the Execute RPC: it resolves the action,
// command and input root from the local CAS, dispatches to the local
// executor and streams the completed operation back. The shared side
// of the GC lock is held for the lifetime of each request.
type ExecutionServer struct {
	remoteexecution.UnimplementedExecutionServer

	storage          *storage.LocalCAS
	garbageCollector *storage.GarbageCollector
	api              executor.API
	function         digest.Function
}

// NewExecutionServer creates an ExecutionServer on top of a local
// CAS and an executor.
func NewExecutionServer(localCAS *storage.LocalCAS, garbageCollector *storage.GarbageCollector, api executor.API) *ExecutionServer {
	return &ExecutionServer{
		storage:          localCAS,
		garbageCollector: garbageCollector,
		api:              api,
		function:         localCAS.Function(),
	}
}

func internalError(format string, args ...interface{}) error {
	err := status.Errorf(codes.Internal, format, args...)
	log.Print(status.Convert(err).Message())
	return err
}

// getAction fetches and parses the Action blob and verifies the
// input root is present in the appropriate store for the hash mode.
func (s *ExecutionServer) getAction(request *remoteexecution.ExecuteRequest) (*remoteexecution.Action, error) {
	actionHash := request.GetActionDigest().GetHash()
	actionDigest := s.function.FromProto(request.GetActionDigest(), digest.KindBlob)
	data, ok := s.storage.ReadBlob(actionDigest, false)
	if !ok {
		return nil, internalError("Could not retrieve blob %s from CAS", actionHash)
	}
	var action remoteexecution.Action
	if err := proto.Unmarshal(data, &action); err != nil {
		return nil, internalError("Failed to parse action from blob %s", actionHash)
	}

	if s.function.Compatible() {
		rootDigest := s.function.FromProto(action.GetInputRootDigest(), digest.KindBlob)
		if _, ok := s.storage.BlobPath(rootDigest, false); !ok {
			return nil, internalError("Could not retrieve input root %s of action %s from CAS", action.GetInputRootDigest().GetHash(), actionHash)
		}
	} else {
		rootDigest := s.function.FromProto(action.GetInputRootDigest(), digest.KindTree)
		if _, ok := s.storage.TreePath(rootDigest); !ok {
			return nil, internalError("Could not retrieve input root %s of action %s from CAS", action.GetInputRootDigest().GetHash(), actionHash)
		}
	}
	return &action, nil
}

func (s *ExecutionServer) getCommand(request *remoteexecution.ExecuteRequest, action *remoteexecution.Action) (*remoteexecution.Command, error) {
	actionHash := request.GetActionDigest().GetHash()
	commandDigest := s.function.FromProto(action.GetCommandDigest(), digest.KindBlob)
	data, ok := s.storage.ReadBlob(commandDigest, false)
	if !ok {
		return nil, internalError("Could not retrieve command blob %s of action %s from CAS", action.GetCommandDigest().GetHash(), actionHash)
	}
	var command remoteexecution.Command
	if err := proto.Unmarshal(data, &command); err != nil {
		return nil, internalError("Failed to parse command from blob %s of action %s", action.GetCommandDigest().GetHash(), actionHash)
	}
	return &command, nil
}

func environmentMap(command *remoteexecution.Command) map[string]string {
	envVars := make(map[string]string, len(command.EnvironmentVariables))
	for _, v := range command.EnvironmentVariables {
		envVars[v.GetName()] = v.GetValue()
	}
	return envVars
}

func (s *ExecutionServer) createExecutorAction(request *remoteexecution.ExecuteRequest, action *remoteexecution.Action) (executor.Action, error) {
	command, err := s.getCommand(request, action)
	if err != nil {
		return nil, err
	}
	cacheFlag := executor.CacheOutput
	if action.GetDoNotCache() {
		cacheFlag = executor.DoNotCacheOutput
	}
	inputRootKind := digest.KindTree
	if s.function.Compatible() {
		inputRootKind = digest.KindBlob
	}
	executorAction, err := s.api.CreateAction(
		s.function.FromProto(action.GetInputRootDigest(), inputRootKind),
		command.GetArguments(),
		command.GetOutputFiles(),
		command.GetOutputDirectories(),
		environmentMap(command),
		cacheFlag)
	if err != nil {
		return nil, internalError("Could not create action from %s: %s", request.GetActionDigest().GetHash(), err)
	}
	return executorAction, nil
}

// addOutputPaths renders the executor's artifacts as output files
// and directories. In compatible mode a Tree message is synthesized
// on the fly for each tree-typed artifact.
func (s *ExecutionServer) addOutputPaths(result *remoteexecution.ActionResult, response executor.Response) error {
	artifacts := response.Artifacts()
	paths := make([]string, 0, len(artifacts))
	for path := range artifacts {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		info := artifacts[path]
		if digest.IsTreeObject(info.Type) {
			treeDigest := info.Digest
			if s.function.Compatible() {
				synthesized, err := treeconv.TreeDigestFromDirectoryDigest(s.storage, info.Digest)
				if err != nil {
					return err
				}
				treeDigest = synthesized
			}
			result.OutputDirectories = append(result.OutputDirectories, &remoteexecution.OutputDirectory{
				Path:       path,
				TreeDigest: treeDigest.ToProto(),
			})
		} else {
			result.OutputFiles = append(result.OutputFiles, &remoteexecution.OutputFile{
				Path:         path,
				Digest:       info.Digest.ToProto(),
				IsExecutable: info.Type == digest.Executable,
			})
		}
	}
	return nil
}

func (s *ExecutionServer) buildResponse(request *remoteexecution.ExecuteRequest, execution executor.Response) (*remoteexecution.ExecuteResponse, error) {
	actionHash := request.GetActionDigest().GetHash()
	response := &remoteexecution.ExecuteResponse{
		Result: &remoteexecution.ActionResult{
			ExitCode: int32(execution.ExitCode()),
		},
		Status:       &statuspb.Status{Code: int32(codes.OK)},
		CachedResult: execution.IsCached(),
	}
	if err := s.addOutputPaths(response.Result, execution); err != nil {
		return nil, internalError("Error in creating output paths of action %s: %s", actionHash, err)
	}
	if execution.HasStdErr() {
		d, err := s.storage.StoreBlob(execution.StdErr(), false)
		if err != nil {
			return nil, internalError("Could not store stderr of action %s", actionHash)
		}
		response.Result.StderrDigest = d.ToProto()
	}
	if execution.HasStdOut() {
		d, err := s.storage.StoreBlob(execution.StdOut(), false)
		if err != nil {
			return nil, internalError("Could not store stdout of action %s", actionHash)
		}
		response.Result.StdoutDigest = d.ToProto()
	}
	return response, nil
}

// writeResponse stores the action result and emits the completed
// operation. The action cache write deliberately precedes the stream
// write, so that a client retrying after a dropped connection can
// hit the cache.
func (s *ExecutionServer) writeResponse(request *remoteexecution.ExecuteRequest, execution executor.Response, action *remoteexecution.Action, stream remoteexecution.Execution_ExecuteServer) error {
	actionHash := request.GetActionDigest().GetHash()
	response, err := s.buildResponse(request, execution)
	if err != nil {
		return err
	}

	if execution.ExitCode() == 0 && !action.GetDoNotCache() {
		actionDigest := s.function.FromProto(request.GetActionDigest(), digest.KindBlob)
		if err := s.storage.PutActionResult(actionDigest, response.Result); err != nil {
			return internalError("Could not store action result for action %s: %s", actionHash, err)
		}
	}

	packed, err := anypb.New(response)
	if err != nil {
		return internalError("Could not pack execution response for action %s: %s", actionHash, err)
	}
	operation := &longrunningpb.Operation{
		Name:   operationName,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: packed},
	}
	if err := stream.Send(operation); err != nil {
		return internalError("Could not write execution response for action %s: %s", actionHash, err)
	}
	return nil
}

// Execute resolves, runs and answers one action. Every failure path
// names the action digest; malformed client input never crashes the
// server.
func (s *ExecutionServer) Execute(request *remoteexecution.ExecuteRequest, stream remoteexecution.Execution_ExecuteServer) error {
	start := time.Now()
	defer func() {
		executeDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	lock, err := s.garbageCollector.SharedLock()
	if err != nil {
		return internalError("Could not acquire shared GC lock for action %s", request.GetActionDigest().GetHash())
	}
	defer lock.Release()

	action, err := s.getAction(request)
	if err != nil {
		return err
	}
	executorAction, err := s.createExecutorAction(request, action)
	if err != nil {
		return err
	}

	log.Printf("Execute %s", request.GetActionDigest().GetHash())
	execution, err := executorAction.Execute(stream.Context())
	if err != nil {
		return internalError("Execution of action %s failed: %s", request.GetActionDigest().GetHash(), err)
	}
	return s.writeResponse(request, execution, action, stream)
}

// WaitExecution is not provided: every Execute call completes with a
// single finished operation, so there is nothing to reattach to.
func (s *ExecutionServer) WaitExecution(request *remoteexecution.WaitExecutionRequest, stream remoteexecution.Execution_WaitExecutionServer) error {
	return status.Error(codes.Unimplemented, "WaitExecution not implemented")
}
