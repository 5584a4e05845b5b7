// Package taskforge is an autonomous software-engineering orchestrator: it
// drives a plan of waves and stories through a deterministic execution
// state machine, checkpoints progress to disk, validates agent prompts
// before dispatch, and indexes failures so future runs can suggest
// resolutions instead of repeating them.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/arjunmehta/taskforge/cmd/taskforge@latest
//
// Start the server against a plan:
//
//	taskforge serve --config taskforge.yaml
//
// # Using as a Go Library
//
// Import the packages you need directly:
//
//	import (
//	    "github.com/arjunmehta/taskforge/pkg/checkpoint"
//	    "github.com/arjunmehta/taskforge/pkg/execstate"
//	    "github.com/arjunmehta/taskforge/pkg/wave"
//	    "github.com/arjunmehta/taskforge/pkg/session"
//	)
//
// # Architecture
//
// A Session owns a Plan of Waves. The WaveScheduler lays each wave's
// stories into a dependency DAG, dispatches them under a global
// concurrency budget through the ExecutionStateMachine, and checkpoints
// terminal outcomes. The ContractEngine and PropertyTester validate
// handler behavior; the FailureIndex and PromptValidator guard the
// boundary with external agents.
package taskforge
