package main

import (
	"encoding/json"
	"os"

	"github.com/arjunmehta/taskforge/pkg/auditlog"
)

// AuditCmd searches the audit log by event type, user and/or outcome.
type AuditCmd struct {
	EventType string `help:"Filter by event type."`
	UserID    string `help:"Filter by user ID."`
	Outcome   string `help:"Filter by outcome (success, failure)."`
}

func (cmd *AuditCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	log, err := auditlog.New(auditlog.Config{
		Path:              cfg.AuditLog.Path,
		MaxFileSize:       cfg.AuditLog.MaxFileSize,
		MaxFiles:          cfg.AuditLog.MaxFiles,
		EnableMemoryStore: cfg.AuditLog.EnableMemoryStore,
		MaxMemoryEntries:  cfg.AuditLog.MaxMemoryEntries,
	}, nil)
	if err != nil {
		return err
	}

	entries, err := log.Search(auditlog.Query{
		EventType: cmd.EventType,
		UserID:    cmd.UserID,
		Outcome:   cmd.Outcome,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
