package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
	"github.com/arjunmehta/taskforge/pkg/session"
)

// StatusCmd prints a session's current checkpointed state as JSON.
type StatusCmd struct {
	SessionID string `arg:"" help:"Session ID to inspect."`
}

func (cmd *StatusCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	store, err := checkpoint.New(checkpoint.Config{
		CheckpointsDir: cfg.CheckpointStore.CheckpointsDir,
		RetentionDays:  cfg.CheckpointStore.RetentionDays,
		MaxBytes:       cfg.CheckpointStore.MaxBytes,
	}, nil)
	if err != nil {
		return err
	}

	var sess session.Session
	ok, err := store.LoadSession(cmd.SessionID, &sess)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s has no checkpoint", cmd.SessionID)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}
