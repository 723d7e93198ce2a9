package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notioncal/internal/app"
	"notioncal/internal/config"
	appLog "notioncal/internal/log"
	"notioncal/internal/metrics"
	"notioncal/internal/web"
)

const version = "1.0.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
}

func main() {
	flags := parseFlags()
	appLog.Info("notioncal starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(os.Getenv); err != nil {
		appLog.Error("invalid environment", err)
		os.Exit(1)
	}

	// CLI flags override the config file and the environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if level, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(level)
	} else {
		appLog.Warn("unknown log level, keeping info", "log_level", conf.LogLevel)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"calendars", len(conf.Calendars),
		"tokens", len(conf.Tokens),
		"ttl", conf.Sync.TTL.String(),
		"refresh", conf.Sync.Refresh,
		"once", flags.once,
	)
	if conf.Notion.Token == "" {
		appLog.Warn("no Notion token configured; set NOTION_API_KEY")
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("notioncal failed", err)
		os.Exit(1)
	}
	appLog.Info("notioncal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	rec, err := metrics.New(nil)
	if err != nil {
		return err
	}
	a, err := app.New(conf, app.Options{Metrics: rec})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			appLog.Error("failed to close app", err)
		}
	}()

	if err := a.Load(ctx); err != nil {
		// A broken store entry is rebuilt by the next sync.
		appLog.Error("failed to restore state", err)
	}

	if once {
		reports, err := a.SyncAll(ctx)
		for _, r := range reports {
			appLog.Info("sync finished",
				"calendar", r.CalendarID,
				"committed", r.Committed,
				"events", r.Events,
				"skipped", len(r.Skipped),
			)
		}
		return err
	}

	// Warm every calendar so the first feed request is served from memory.
	go func() {
		if _, err := a.SyncAll(ctx); err != nil {
			appLog.Warn("initial sync finished with errors", "err", err.Error())
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := web.NewServer(a, web.Options{
		Tokens:         conf.Tokens,
		RequestTimeout: conf.Sync.CycleTimeout,
		Metrics:        rec,
	})
	return web.StartServer(ctx, conf.Listen, srv, 10*time.Second)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/notioncal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Sync every calendar once and exit")

	flag.Parse()

	return cfg
}
