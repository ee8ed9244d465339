package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	adtpulse "github.com/rsnodgrass/go-adtpulse"
	"github.com/rsnodgrass/go-adtpulse/internal/config"
	"github.com/rsnodgrass/go-adtpulse/internal/logger"
	"github.com/rsnodgrass/go-adtpulse/internal/service/common"
)

// Options selects the settings file and optional overrides for a run.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// Host overrides the portal origin from the configuration file, for
	// example the Canadian portal.
	Host string
}

// stopTimeout bounds the graceful engine shutdown on the way out.
const stopTimeout = 10 * time.Second

// Run starts the engine and logs the mirrored panel and zone states on
// every change until the context is canceled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "pulse-monitor")

	return withEngine(ctx, opts, func(ctx context.Context, engine *adtpulse.Client) error {
		reportSnapshot(ctx, engine)

		for {
			err := engine.WaitForUpdate(ctx)

			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				logger.Info(ctx, "Context canceled, exiting")
				return nil
			case errors.Is(err, adtpulse.ErrStopped):
				return nil
			case err != nil:
				return err
			}

			reportSnapshot(ctx, engine)
		}
	})
}

// Arm signs in, issues an arm command and exits once the portal accepts
// it. The panel confirms the new state on its own schedule; away arming
// in particular sits in the exit delay for a while.
func Arm(ctx context.Context, opts *Options, mode adtpulse.ArmMode, force bool) error {
	ctx = logger.WithName(ctx, "pulse-monitor")

	return withEngine(ctx, opts, func(ctx context.Context, engine *adtpulse.Client) error {
		if err := engine.Arm(ctx, engine.SiteID(), mode, force); err != nil {
			return fmt.Errorf("arm panel: %w", err)
		}

		logger.InfoKV(ctx, "Arm command accepted",
			"mode", string(mode),
			"force", force,
			"by", actorLabel())

		return nil
	})
}

// Disarm signs in, issues a disarm command and exits once the portal
// accepts it.
func Disarm(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "pulse-monitor")

	return withEngine(ctx, opts, func(ctx context.Context, engine *adtpulse.Client) error {
		if err := engine.Disarm(ctx, engine.SiteID()); err != nil {
			return fmt.Errorf("disarm panel: %w", err)
		}

		logger.InfoKV(ctx, "Disarm command accepted", "by", actorLabel())

		return nil
	})
}

// withEngine loads settings, starts the engine, runs fn and stops the
// engine on the way out.
func withEngine(ctx context.Context, opts *Options, fn func(context.Context, *adtpulse.Client) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if opts.Host != "" {
		cfg.Host = opts.Host
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	engine, err := adtpulse.New(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err = engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	defer func() {
		// The run context is usually canceled already by the time the
		// engine shuts down.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()

		if stopErr := engine.Stop(stopCtx); stopErr != nil {
			logger.WarnKV(ctx, "Engine stop failed", "error", stopErr)
		}
	}()

	return fn(ctx, engine)
}

// actorLabel identifies who ran the command for the audit log. Commands
// go through even when the local identity cannot be read.
func actorLabel() string {
	actor, err := common.DetectActor()
	if err != nil {
		return "unknown"
	}

	return actor.String()
}

// reportSnapshot logs the mirrored site, one line for the panel and one
// per zone.
func reportSnapshot(ctx context.Context, engine *adtpulse.Client) {
	premise, zones, err := engine.Snapshot()
	if err != nil {
		logger.ErrorKV(ctx, "Snapshot failed", "error", err)

		return
	}

	logger.InfoKV(ctx, "Panel state",
		"site", premise.Name,
		"alarm", string(premise.Panel.State),
		"gateway_online", premise.Gateway.Online,
		"session", string(engine.Status()))

	for _, zone := range zones {
		logger.InfoKV(ctx, "Zone state",
			"zone", zone.ID,
			"name", zone.Name,
			"state", string(zone.State),
			"status", zone.Status)
	}
}
