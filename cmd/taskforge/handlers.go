package main

import (
	"context"
	"fmt"
	"time"

	"github.com/arjunmehta/taskforge/pkg/auditlog"
	"github.com/arjunmehta/taskforge/pkg/contract"
	"github.com/arjunmehta/taskforge/pkg/execstate"
	"github.com/arjunmehta/taskforge/pkg/failureindex"
	"github.com/arjunmehta/taskforge/pkg/promptvalidator"
	"github.com/arjunmehta/taskforge/pkg/wave"
)

// storyContract is the fixed set of conditions every story must satisfy
// before its output is committed: the runner must have produced a non-empty
// "output" string.
var storyContract = contract.Contract{
	ID:       "story-default",
	Name:     "default story contract",
	TaskType: "story",
	Postconditions: []contract.Condition{
		{
			ID:           "has-output",
			Name:         "runner produced output",
			Type:         contract.Postcondition,
			Severity:     contract.SeverityError,
			ErrorMessage: "agent runner returned no output",
			Predicate: func(ctx *contract.Context) bool {
				out, ok := ctx.Outputs["output"].(string)
				return ok && out != ""
			},
		},
	},
}

// buildStoryHandlers returns a wave.StoryHandlersFactory wiring prompt
// validation, the AgentRunner (via the scheduler's circuit breaker), the
// default story contract, and failure indexing/auditing into the four
// execstate lifecycle callbacks.
func buildStoryHandlers(c *components, sessionID string) wave.StoryHandlersFactory {
	return func(s wave.Story) execstate.Handlers {
		return execstate.Handlers{
			OnPlanning: func(ctx context.Context, ec *execstate.Context) error {
				result, err := promptvalidator.Validate(s.Prompt)
				if err != nil {
					return fmt.Errorf("prompt rejected: %w", err)
				}
				if !result.Accepted {
					return fmt.Errorf("prompt rejected: injection risk detected")
				}
				ec.Inputs["prompt"] = result.Sanitized
				return nil
			},
			OnExecuting: func(ctx context.Context, ec *execstate.Context) error {
				prompt, _ := ec.Inputs["prompt"].(string)
				out, err := c.scheduler.RunStory(ctx, prompt, s.Model)
				if err != nil {
					c.recordFailure(sessionID, s, err)
					return err
				}
				ec.Outputs["output"] = out.Output
				ec.Outputs["metadata"] = out.Metadata
				ec.Outputs["usage"] = out.Usage
				return nil
			},
			OnVerifying: func(ctx context.Context, ec *execstate.Context) (bool, error) {
				cctx := &contract.Context{
					ScopeID:   sessionID,
					TaskID:    ec.TaskID,
					Inputs:    ec.Inputs,
					Outputs:   ec.Outputs,
					State:     contract.StateVerifying,
					Artifacts: ec.Artifacts,
				}
				result := contract.EvaluateAll(storyContract, cctx)
				if !result.Success {
					c.recordFailure(sessionID, s, fmt.Errorf("contract failed: %d condition(s)", len(result.Failures)))
				}
				return result.Success, nil
			},
			OnCommitting: func(ctx context.Context, ec *execstate.Context) error {
				c.appendAudit(auditlog.Entry{
					Timestamp: time.Now(),
					EventType: "story_committed",
					Action:    "commit",
					Resource:  fmt.Sprintf("session=%s/story=%s", sessionID, s.ID),
					Outcome:   "success",
				})
				return nil
			},
		}
	}
}

func (c *components) recordFailure(sessionID string, s wave.Story, cause error) {
	c.failureIdx.Add(failureindex.FailureContext{
		ErrorType: "story_failure",
		Message:   cause.Error(),
	}, failureindex.AddOptions{SessionID: sessionID, Tags: []string{s.ID}})

	c.appendAudit(auditlog.Entry{
		Timestamp: time.Now(),
		EventType: "story_failed",
		Action:    "execute",
		Resource:  fmt.Sprintf("session=%s/story=%s", sessionID, s.ID),
		Outcome:   "failure",
		Metadata:  map[string]any{"error": cause.Error()},
	})
}

func (c *components) appendAudit(e auditlog.Entry) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(e); err != nil {
		c.log.Warn("failed to append audit entry", "error", err)
	}
}
