// Package plugin bridges wave.AgentRunner across a subprocess boundary using
// go-plugin's legacy net/rpc transport. It deliberately avoids go-plugin's
// gRPC mode: that mode needs protoc-generated stubs, and the net/rpc mode
// (the same library's other supported transport) gets an external-process
// AgentRunner working with nothing but hand-written Go.
package plugin

import (
	"context"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/arjunmehta/taskforge/pkg/wave"
)

// Handshake is the magic-cookie pair a runner subprocess and the taskforge
// process must agree on before go-plugin will dispense the connection.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TASKFORGE_AGENT_RUNNER_PLUGIN",
	MagicCookieValue: "f3b2d8a1-agent-runner",
}

// PluginMapKey is the name both sides register the runner plugin under.
const PluginMapKey = "agent_runner"

// RunnerPlugin implements go-plugin's Plugin interface, handing out either
// end of the net/rpc connection depending on which side of the handshake
// this process is on.
type RunnerPlugin struct {
	Impl wave.AgentRunner
}

func (p *RunnerPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &runnerRPCServer{impl: p.Impl}, nil
}

func (p *RunnerPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &runnerRPCClient{client: c}, nil
}

// runRequest/runResponse are the net/rpc wire types; net/rpc requires
// exported fields and has no notion of a context, so cancellation does not
// cross the process boundary.
type runRequest struct {
	Prompt string
	Model  string
}

type runResponse struct {
	Output   string
	Metadata map[string]any
	Usage    map[string]any
}

type runnerRPCServer struct {
	impl wave.AgentRunner
}

func (s *runnerRPCServer) Run(args runRequest, resp *runResponse) error {
	out, err := s.impl.Run(context.Background(), args.Prompt, args.Model)
	if err != nil {
		return err
	}
	resp.Output = out.Output
	resp.Metadata = out.Metadata
	resp.Usage = out.Usage
	return nil
}

type runnerRPCClient struct {
	client *rpc.Client
}

// Run satisfies wave.AgentRunner. ctx cancellation is not propagated to the
// subprocess; the call blocks until the plugin responds or the connection
// itself is torn down.
func (c *runnerRPCClient) Run(ctx context.Context, prompt, model string) (wave.RunResult, error) {
	var resp runResponse
	if err := c.client.Call("Plugin.Run", runRequest{Prompt: prompt, Model: model}, &resp); err != nil {
		return wave.RunResult{}, err
	}
	return wave.RunResult{Output: resp.Output, Metadata: resp.Metadata, Usage: resp.Usage}, nil
}

// Serve is called from a plugin executable's main function to start serving
// impl over the net/rpc handshake. It blocks until the host process kills
// the subprocess.
func Serve(impl wave.AgentRunner) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginMapKey: &RunnerPlugin{Impl: impl},
		},
	})
}
