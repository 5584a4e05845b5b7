// Command taskforge runs the autonomous software-engineering orchestrator:
// a CheckpointStore-backed session coordinator that drives plans of waves
// of stories through an execution state machine, dispatching each story to
// an external AgentRunner and indexing failures for future resolution.
//
// Usage:
//
//	taskforge serve --config taskforge.yaml
//	taskforge plan --config taskforge.yaml path/to/plan.yaml
//	taskforge resume --config taskforge.yaml <session-id>
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Config string `short:"c" help:"Path to config file." type:"path" default:"taskforge.yaml"`
	Env    string `help:"Path to a .env file to load before config." type:"path"`

	Serve       ServeCmd       `cmd:"" help:"Start the HTTP API server and run sessions."`
	Plan        PlanCmd        `cmd:"" help:"Validate a plan file and print its layered execution order."`
	Resume      ResumeCmd      `cmd:"" help:"Resume a session from its last checkpoint."`
	Status      StatusCmd      `cmd:"" help:"Print a session's current checkpointed state."`
	Checkpoints CheckpointsCmd `cmd:"" help:"List checkpoints under a namespace."`
	Audit       AuditCmd       `cmd:"" help:"Search the audit log."`
	Version     VersionCmd     `cmd:"" help:"Show version information."`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("taskforge"),
		kong.Description("Autonomous software-engineering orchestrator."),
		kong.UsageOnError(),
	)

	if cli.Env != "" {
		if err := godotenv.Load(cli.Env); err != nil {
			fmt.Fprintf(os.Stderr, "taskforge: loading env file %s: %v\n", cli.Env, err)
			os.Exit(1)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "taskforge: %v\n", err)
		os.Exit(1)
	}
}
