package main

import (
	"fmt"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
)

// CheckpointsCmd lists wave-level checkpoints under the configured
// checkpoints directory.
type CheckpointsCmd struct {
	Session string `help:"List step checkpoints for this session instead of wave checkpoints."`
}

func (cmd *CheckpointsCmd) Run(cli *CLI) error {
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

	if cmd.Session != "" {
		names, err := store.ListStepsBySession(cmd.Session)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}

	names, err := store.List()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
