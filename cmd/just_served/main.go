package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/justserved/just-served/pkg/execution"
	"github.com/justserved/just-served/pkg/executor"
	"github.com/justserved/just-served/pkg/storage"
)

// Exit codes: configuration problems are distinguished so wrappers
// can tell a bad invocation from a runtime failure.
const (
	exitInternalError = 70
	exitConfigError   = 71
)

type serverInfo struct {
	Interface string `json:"interface"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
}

func main() {
	var (
		listenInterface = pflag.String("interface", "127.0.0.1", "Interface to bind to")
		port            = pflag.Int("port", 0, "Port to listen on (0 = auto-select)")
		storageRoot     = pflag.String("storage-root", "", "Root directory of the local CAS")
		compatible      = pflag.Bool("compatible", false, "Run in Remote Execution compatibility mode (SHA-256)")
		pidFile         = pflag.String("pid-file", "", "File to write the server PID to")
		infoFile        = pflag.String("info-file", "", "File to write interface, port and PID to as JSON")
		tlsCertFile     = pflag.String("tls-cert", "", "TLS certificate file (empty = insecure)")
		tlsKeyFile      = pflag.String("tls-key", "", "TLS private key file")
		metricsAddress  = pflag.String("metrics-address", "", "Address to serve Prometheus metrics on (empty = disabled)")
	)
	pflag.Parse()

	if *storageRoot == "" {
		log.Print("No storage root specified")
		os.Exit(exitConfigError)
	}
	if (*tlsCertFile == "") != (*tlsKeyFile == "") {
		log.Print("TLS certificate and key must be provided together")
		os.Exit(exitConfigError)
	}

	function := digest.NewFunction(*compatible)
	localCAS, err := storage.NewLocalCAS(*storageRoot, function)
	if err != nil {
		log.Printf("Failed to open storage root %s: %s", *storageRoot, err)
		os.Exit(exitConfigError)
	}
	garbageCollector := storage.NewGarbageCollector(*storageRoot)

	var serverOptions []grpc.ServerOption
	if *tlsCertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(*tlsCertFile, *tlsKeyFile)
		if err != nil {
			log.Printf("Failed to load TLS credentials: %s", err)
			os.Exit(exitConfigError)
		}
		serverOptions = append(serverOptions, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(serverOptions...)
	remoteexecution.RegisterExecutionServer(grpcServer,
		execution.NewExecutionServer(localCAS, garbageCollector, executor.NewUnavailableAPI()))
	remoteexecution.RegisterActionCacheServer(grpcServer,
		execution.NewActionCacheServer(localCAS, garbageCollector))
	remoteexecution.RegisterContentAddressableStorageServer(grpcServer,
		execution.NewCASServer(localCAS, garbageCollector))
	remoteexecution.RegisterCapabilitiesServer(grpcServer,
		execution.NewCapabilitiesServer(function))
	bytestream.RegisterByteStreamServer(grpcServer,
		execution.NewByteStreamServer(localCAS, garbageCollector))
	longrunningpb.RegisterOperationsServer(grpcServer,
		execution.NewOperationsServer())

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", *listenInterface, *port))
	if err != nil {
		log.Printf("Failed to bind to %s:%d: %s", *listenInterface, *port, err)
		os.Exit(exitInternalError)
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			log.Printf("Failed to write PID file %s: %s", *pidFile, err)
			os.Exit(exitInternalError)
		}
	}
	if *infoFile != "" {
		info, err := json.Marshal(serverInfo{
			Interface: *listenInterface,
			Port:      boundPort,
			PID:       os.Getpid(),
		})
		if err != nil {
			log.Printf("Failed to serialize server info: %s", err)
			os.Exit(exitInternalError)
		}
		if err := os.WriteFile(*infoFile, info, 0o644); err != nil {
			log.Printf("Failed to write info file %s: %s", *infoFile, err)
			os.Exit(exitInternalError)
		}
	}

	if *metricsAddress != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Fatal(http.ListenAndServe(*metricsAddress, router))
		}()
	}

	log.Printf("Serving on %s:%d", *listenInterface, boundPort)
	if err := grpcServer.Serve(listener); err != nil {
		log.Printf("Server terminated: %s", err)
		os.Exit(exitInternalError)
	}
}
