package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/arjunmehta/taskforge/pkg/obslog"
	"github.com/arjunmehta/taskforge/pkg/server"
	"github.com/arjunmehta/taskforge/pkg/server/auth"
	"github.com/arjunmehta/taskforge/pkg/session"
)

// ServeCmd starts the HTTP API and blocks until SIGINT/SIGTERM.
type ServeCmd struct {
	Port int `help:"Override the configured server port." default:"0"`
}

func (cmd *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if cmd.Port != 0 {
		cfg.Global.Server.Port = cmd.Port
	}

	c, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var validator *auth.Validator
	if cfg.Global.Auth.Enabled {
		validator, err = auth.NewValidator(ctx, cfg.Global.Auth.JWKSURL, cfg.Global.Auth.Issuer, cfg.Global.Auth.Audience)
		if err != nil {
			return fmt.Errorf("build auth validator: %w", err)
		}
	}

	srv := server.New(server.Deps{
		Store:        c.store,
		Audit:        c.audit,
		FailureMatch: c.failureMatch,
		Metrics:      c.metrics,
		Auth:         validator,
	}, c.log)

	coordinator := session.New(c.store, c.scheduler, srv, obslog.Component(c.log, "session_coordinator"))
	srv.SetCoordinator(coordinator)

	addr := fmt.Sprintf("%s:%d", cfg.Global.Server.Host, cfg.Global.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		c.log.Info("starting http server", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		c.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
