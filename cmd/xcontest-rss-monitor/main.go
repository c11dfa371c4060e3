package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/config"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/feed"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/liveness"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/monitor"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/notifier"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/store"
	"github.com/tomasbedrich/xcontest-rss-monitor/server"
)

// Opts with all CLI options
type Opts struct {
	FeedURL      string        `long:"feed" env:"FEED_URL" default:"https://www.xcontest.org/rss/flights/?world/en" description:"XContest feed URL"`
	Timeout      time.Duration `long:"timeout" env:"HTTP_TIMEOUT" default:"10s" description:"feed request timeout"`
	Sleep        int           `long:"sleep" env:"SLEEP" default:"600" description:"poll interval, seconds"`
	BackoffSleep int           `long:"backoff-sleep" env:"BACKOFF_SLEEP" default:"1200" description:"backoff unit after a failed fetch, seconds"`
	MaxBackoff   int           `long:"max-backoff" env:"MAX_BACKOFF" description:"backoff cap, seconds (default 10x backoff unit)"`
	State        string        `long:"state" env:"STATE" default:"file:state.db" description:"seen-state DSN: sqlite file, redis:// or memory"`
	Liveness     string        `long:"liveness" env:"LIVENESS" default:"/tmp/liveness" description:"liveness marker path"`
	Listen       string        `short:"l" long:"listen" env:"LISTEN" default:":8080" description:"status server listen address"`
	ConfigFile   string        `long:"config" env:"CONFIG" description:"optional YAML config with pilots and message template"`
	Pilots       []string      `long:"pilot" env:"PILOT_USERNAMES" env-delim:"," description:"watch only these XContest usernames"`
	Template     string        `long:"template" env:"TEXT_TEMPLATE" description:"message template, go text/template over entry fields"`

	Telegram struct {
		Token   string        `long:"token" env:"BOT_TOKEN" description:"bot token, empty means log-only mode"`
		ChatID  string        `long:"chat" env:"CHAT_ID" description:"destination chat id"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"bot api request timeout"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	var secrets []string
	if opts.Telegram.Token != "" {
		secrets = append(secrets, opts.Telegram.Token)
	}
	setupLog(opts.Debug, secrets...)

	log.Printf("[INFO] starting xcontest-rss-monitor version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	err := run(ctx, opts)
	cancel()

	if err != nil {
		log.Printf("[ERROR] monitor failed: %v", err)
		os.Exit(1)
	}

	log.Print("[INFO] shutdown complete")
}

// run wires the components and blocks until shutdown or failure
func run(ctx context.Context, opts Opts) error {
	pilots, template := opts.Pilots, opts.Template
	if opts.ConfigFile != "" {
		cfg, err := config.Load(opts.ConfigFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if len(cfg.Pilots) > 0 {
			pilots = cfg.Pilots
		}
		if cfg.Template != "" {
			template = cfg.Template
		}
	}
	if template == "" {
		template = notifier.DefaultTemplate
	}

	seen, err := store.New(ctx, opts.State)
	if err != nil {
		return fmt.Errorf("init seen store: %w", err)
	}
	defer func() {
		if err := seen.Close(); err != nil {
			log.Printf("[WARN] failed to close seen store: %v", err)
		}
	}()
	log.Printf("[INFO] seen store loaded from %s, %d identities", opts.State, seen.Len())

	var ntf monitor.Notifier
	if opts.Telegram.Token == "" {
		log.Print("[WARN] telegram token not set, messages will only be logged")
		ntf, err = notifier.NewLogOnly(template)
	} else {
		ntf, err = notifier.NewTelegram(opts.Telegram.Token, opts.Telegram.ChatID, template, opts.Telegram.Timeout)
	}
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	fetcher := feed.NewFetcher(opts.FeedURL, opts.Timeout, "xcontest-rss-monitor/"+revision)

	mon := monitor.New(monitor.Params{
		Fetcher:    fetcher,
		Notifier:   ntf,
		Store:      seen,
		Alive:      liveness.New(opts.Liveness),
		Interval:   time.Duration(opts.Sleep) * time.Second,
		Backoff:    time.Duration(opts.BackoffSleep) * time.Second,
		MaxBackoff: time.Duration(opts.MaxBackoff) * time.Second,
		Pilots:     pilots,
	})

	srv := server.New(opts.Listen, revision, mon, seen, opts.Debug)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	return g.Wait()
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
