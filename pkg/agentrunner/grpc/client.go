package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/arjunmehta/taskforge/pkg/wave"
)

// RemoteRunner dials a remote AgentRunner service and satisfies both
// wave.AgentRunner and wave.AgentAdmissionController against it.
type RemoteRunner struct {
	cc *grpc.ClientConn
}

// Dial connects to target (host:port) over an insecure or pre-configured
// grpc.ClientConn the caller supplies; credentials are the caller's concern
// so this stays usable against both bare TCP and TLS-fronted deployments.
func Dial(cc *grpc.ClientConn) *RemoteRunner {
	return &RemoteRunner{cc: cc}
}

func (r *RemoteRunner) Run(ctx context.Context, prompt, model string) (wave.RunResult, error) {
	req := &RunRequest{Prompt: prompt, Model: model}
	resp := new(RunResponse)
	if err := r.cc.Invoke(ctx, "/"+serviceName+"/Run", req, resp, grpc.ForceCodec(jsonCodec{})); err != nil {
		return wave.RunResult{}, err
	}
	return wave.RunResult{Output: resp.Output, Metadata: resp.Metadata, Usage: resp.Usage}, nil
}

func (r *RemoteRunner) Metrics(ctx context.Context) (wave.AdmissionMetrics, error) {
	req := &MetricsRequest{}
	resp := new(MetricsResponse)
	if err := r.cc.Invoke(ctx, "/"+serviceName+"/Metrics", req, resp, grpc.ForceCodec(jsonCodec{})); err != nil {
		return wave.AdmissionMetrics{}, err
	}
	return wave.AdmissionMetrics{
		CPULoad:        resp.CPULoad,
		MemoryPressure: resp.MemoryPressure,
		ProcessCount:   resp.ProcessCount,
		CanSpawnAgent:  resp.CanSpawnAgent,
		Timestamp:      resp.Timestamp,
	}, nil
}
