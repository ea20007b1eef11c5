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

	"github.com/Zhalslar/api-aggregator/pkg/config"
	"github.com/Zhalslar/api-aggregator/pkg/db"
	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/fetch"
	"github.com/Zhalslar/api-aggregator/pkg/poolio"
	"github.com/Zhalslar/api-aggregator/pkg/registry"
	"github.com/Zhalslar/api-aggregator/pkg/scheduler"
	"github.com/Zhalslar/api-aggregator/pkg/store"
	"github.com/Zhalslar/api-aggregator/pkg/verifier"
	"github.com/Zhalslar/api-aggregator/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"config.yml" description:"config file path"`

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

	setupLog(opts.Debug)

	log.Printf("[INFO] starting api-aggregator version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, &opts); err != nil {
		cancel()
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
	cancel()

	log.Print("[INFO] shutdown complete")
}

func run(ctx context.Context, opts *Opts) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.New(db.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer database.Close()

	reg := registry.New(database)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	contentStore, err := store.New(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("init content store: %w", err)
	}

	pool, err := poolio.New(reg, cfg.Storage.PoolFilesDir)
	if err != nil {
		return fmt.Errorf("init pool files: %w", err)
	}

	client := fetch.NewClient(reg, cfg.Request.Headers, cfg.Request.Timeout)
	acquirer := fetch.NewService(client, contentStore)
	tester := verifier.NewService(verifier.New(client, reg, cfg.Verify.Pacing), client, contentStore, reg)

	sched := scheduler.New(reg)
	sched.SetHandler(func(ctx context.Context, entry *domain.APIEntry) {
		if _, err := acquirer.Acquire(ctx, entry); err != nil {
			log.Printf("[WARN] scheduled acquisition failed [%s]: %v", entry.Name, err)
		}
	})
	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(serverConfig{cfg}, reg, contentStore, pool, tester, acquirer, sched,
		revision, opts.Debug)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// serverConfig adapts the application config to the server's provider
type serverConfig struct {
	cfg *config.Config
}

func (s serverConfig) GetServerConfig() (listen string, timeout time.Duration) {
	return s.cfg.Server.Listen, s.cfg.Server.Timeout
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = append(logOpts, lgr.Debug)
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
