package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"aptcal/internal/booking"
	"aptcal/internal/config"
	"aptcal/internal/feedsync"
	"aptcal/internal/ics"
	appLog "aptcal/internal/log"
	"aptcal/internal/store/memory"
	"aptcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()

	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("aptcal starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if !flags.debug {
		if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
			appLog.SetLevel(lvl)
		} else {
			appLog.Warn("unknown log level, keeping INFO", "log_level", conf.LogLevel)
		}
	}

	units := 0
	feeds := 0
	for _, p := range conf.Properties {
		units += len(p.Units)
		for _, u := range p.Units {
			feeds += len(u.Feeds)
		}
	}
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"properties", len(conf.Properties),
		"units", units,
		"feeds", feeds,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("aptcal failed", err)
		os.Exit(1)
	}

	appLog.Info("aptcal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	zone, err := conf.Location()
	if err != nil {
		return err
	}

	db := memory.New()
	if err := db.Seed(conf); err != nil {
		return err
	}

	codec := ics.NewCodec(conf.ProductID)

	syncConf, err := feedsync.ConfigFrom(conf)
	if err != nil {
		return err
	}
	syncer := feedsync.New(syncConf, ics.NewFetcher(conf.CacheDir), codec, db)

	// A failed initial sync is not fatal; the scheduler retries.
	if _, err := syncer.Run(ctx); err != nil {
		appLog.Warn("initial feed sync finished with errors", "error", err.Error())
	}

	if once {
		return nil
	}

	scheduler, err := syncer.Schedule(ctx, conf.RefreshCron)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
		appLog.Info("scheduler stopped")
	}()

	srv := web.NewServer(conf, booking.New(db), codec, zone, syncer)
	return srv.Serve(ctx)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/aptcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one feed sync and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
