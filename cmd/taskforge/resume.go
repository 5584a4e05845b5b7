package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/arjunmehta/taskforge/pkg/obslog"
	"github.com/arjunmehta/taskforge/pkg/session"
	"github.com/arjunmehta/taskforge/pkg/wave"
)

// ResumeCmd resumes a previously checkpointed session against its original
// plan file, picking up at the first incomplete wave.
type ResumeCmd struct {
	SessionID string `arg:"" help:"Session ID to resume."`
	PlanFile  string `help:"Plan file the session was created from." required:""`
}

func (cmd *ResumeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	c, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var sess session.Session
	ok, err := c.store.LoadSession(cmd.SessionID, &sess)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s has no checkpoint", cmd.SessionID)
	}

	plan, err := wave.LoadPlan(cmd.PlanFile)
	if err != nil {
		return err
	}

	coordinator := session.New(c.store, c.scheduler, nil, obslog.Component(c.log, "session_coordinator"))
	handlers := buildStoryHandlers(c, sess.ID)
	return coordinator.Run(ctx, &sess, plan, handlers)
}
