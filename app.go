package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marshal/pkg/config"
	"marshal/pkg/logger"
	"marshal/pkg/navigation"
	"marshal/pkg/reconciler"
	"marshal/pkg/rules"
	"marshal/pkg/store"
	"marshal/pkg/telemetry"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	kv        *store.SQLite
	table     *rules.Table
	hub       *navigation.Hub
	telemetry *telemetry.Recorder
	rec       *reconciler.Reconciler
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.Setup(cfg.Logging.Level, cfg.Logging.File)

	kv, err := store.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	a := &app{
		cfg:   cfg,
		log:   log,
		kv:    kv,
		table: rules.NewTable(cfg.DNS.RuleQuota),
		hub:   navigation.NewHub(log),
	}
	a.telemetry = telemetry.NewRecorder(kv, telemetry.Options{
		TimeSavedPerBlock: cfg.Blocking.TimeSavedPerBlock,
		RetentionDays:     cfg.Telemetry.RetentionDays,
		BlockedLogPath:    cfg.Blocking.BlockedLog,
		Log:               log,
	})
	a.rec = reconciler.New(reconciler.Options{
		Defaults:    cfg.DefaultSites(),
		Store:       kv,
		Engine:      a.table,
		Navigator:   a.hub,
		Telemetry:   a.telemetry,
		RedirectURL: cfg.Blocking.BlockedPage,
		RuleIDBase:  cfg.Blocking.RuleIDBase,
		RuleIDSpan:  cfg.Blocking.RuleIDSpan,
		Log:         log,
	})
	return a, nil
}

func (a *app) close() error {
	return errors.Join(a.telemetry.Close(), a.kv.Close())
}

// withReconciler runs fn against a started reconciler and waits for the
// resyncs it triggered before shutting down.
func withReconciler(ctx context.Context, configPath string, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close())
	}()

	recCtx, cancel := context.WithCancel(ctx)
	if err := a.rec.Start(recCtx); err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		<-a.rec.Done()
	}()

	if err := fn(ctx, a); err != nil {
		return err
	}
	return a.rec.Settle(ctx)
}
