// Package agentrunner loads external wave.AgentRunner implementations,
// either as go-plugin subprocesses (pkg/agentrunner/plugin) or as remote
// gRPC services (pkg/agentrunner/grpc).
package agentrunner

import (
	"context"
	"fmt"
	"os/exec"

	hclog "github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/arjunmehta/taskforge/pkg/agentrunner/plugin"
	"github.com/arjunmehta/taskforge/pkg/wave"
)

// PluginRunner launches an executable implementing the agent_runner plugin
// handshake and dispatches wave.AgentRunner.Run calls to it over net/rpc.
type PluginRunner struct {
	client *goplugin.Client
	impl   wave.AgentRunner
}

// LoadPlugin starts path as a subprocess and blocks until the handshake
// completes. The returned PluginRunner must be closed to kill the
// subprocess.
func LoadPlugin(path string, logger hclog.Logger) (*PluginRunner, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "taskforge-agent-runner", Level: hclog.Info})
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  plugin.Handshake,
		Plugins:          map[string]goplugin.Plugin{plugin.PluginMapKey: &plugin.RunnerPlugin{}},
		Cmd:              exec.Command(path),
		Logger:           logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("connect to agent runner plugin %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense(plugin.PluginMapKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense agent runner plugin %s: %w", path, err)
	}
	impl, ok := raw.(wave.AgentRunner)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not implement AgentRunner", path)
	}
	return &PluginRunner{client: client, impl: impl}, nil
}

// Run satisfies wave.AgentRunner.
func (r *PluginRunner) Run(ctx context.Context, prompt, model string) (wave.RunResult, error) {
	return r.impl.Run(ctx, prompt, model)
}

// Close kills the plugin subprocess.
func (r *PluginRunner) Close() { r.client.Kill() }
