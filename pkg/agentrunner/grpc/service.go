package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/arjunmehta/taskforge/pkg/wave"
)

const serviceName = "taskforge.agentrunner.AgentRunner"

// RunRequest/RunResponse and MetricsRequest/MetricsResponse are the wire
// shapes for the two unary RPCs this service exposes. JSON tags keep them
// stable independent of Go field names, mirroring how a .proto file would
// pin wire names.
type RunRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

type RunResponse struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Usage    map[string]any `json:"usage,omitempty"`
}

type MetricsRequest struct{}

type MetricsResponse struct {
	CPULoad        float64   `json:"cpu_load"`
	MemoryPressure float64   `json:"memory_pressure"`
	ProcessCount   int       `json:"process_count"`
	CanSpawnAgent  bool      `json:"can_spawn_agent"`
	Timestamp      time.Time `json:"timestamp"`
}

// Server is implemented by whatever backs the remote side of an AgentRunner
// call: usually an adapter wrapping a concrete wave.AgentRunner plus
// wave.AgentAdmissionController pair.
type Server interface {
	Run(ctx context.Context, req *RunRequest) (*RunResponse, error)
	Metrics(ctx context.Context, req *MetricsRequest) (*MetricsResponse, error)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Run"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func metricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MetricsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Metrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Metrics"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Metrics(ctx, req.(*MetricsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would otherwise generate from a .proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Metrics", Handler: metricsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/agentrunner/grpc/service.go",
}

// RegisterServer registers srv as the AgentRunner handler on s. The server
// must have been constructed with grpc.ForceServerCodec(jsonCodec{}) since
// this service carries no protobuf descriptors.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// adapter lets a wave.AgentRunner + wave.AgentAdmissionController pair serve
// the Server interface above.
type adapter struct {
	runner    wave.AgentRunner
	admission wave.AgentAdmissionController
}

// NewAdapter wraps runner and admission (admission may be nil) as a Server.
func NewAdapter(runner wave.AgentRunner, admission wave.AgentAdmissionController) Server {
	return &adapter{runner: runner, admission: admission}
}

func (a *adapter) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	out, err := a.runner.Run(ctx, req.Prompt, req.Model)
	if err != nil {
		return nil, err
	}
	return &RunResponse{Output: out.Output, Metadata: out.Metadata, Usage: out.Usage}, nil
}

func (a *adapter) Metrics(ctx context.Context, _ *MetricsRequest) (*MetricsResponse, error) {
	if a.admission == nil {
		return &MetricsResponse{CanSpawnAgent: true, Timestamp: time.Now()}, nil
	}
	m, err := a.admission.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return &MetricsResponse{
		CPULoad:        m.CPULoad,
		MemoryPressure: m.MemoryPressure,
		ProcessCount:   m.ProcessCount,
		CanSpawnAgent:  m.CanSpawnAgent,
		Timestamp:      m.Timestamp,
	}, nil
}
