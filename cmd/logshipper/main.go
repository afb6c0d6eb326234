package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"logshipper/internal/app"
	"logshipper/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

// parseArgs reads command line flags.
// Params: args without program name; stderr receives usage output.
// Returns: options or flag error (flag.ErrHelp for -h).
func parseArgs(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("logshipper", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "config.toml", "path to TOML config file or directory")
	fs.BoolVar(&opts.checkOnly, "check", false, "validate config and exit")
	fs.BoolVar(&opts.showVersion, "v", false, "show build information")
	fs.BoolVar(&opts.showVersion, "version", false, "show build information")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// checkConfig loads the config and prints the resolved output identity.
// Params: path config file or directory; out summary destination.
// Returns: load or validation error.
func checkConfig(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	queue := "disabled"
	if cfg.Buffer.Queue.Enabled {
		queue = cfg.Buffer.Queue.Dir
	}
	_, err = fmt.Fprintf(out, "config ok: hostname=%s mac=%s ip=%s ingester=%s queue=%s inputs=%d\n",
		cfg.LogDNA.Hostname, cfg.LogDNA.MAC, cfg.LogDNA.IP, cfg.LogDNA.IngesterDomain, queue, len(cfg.Input.HTTP))
	return err
}

// forwardReloads turns reload signals into requests; pending requests coalesce into one.
// Params: ctx stops forwarding; signals source of SIGHUP notifications.
// Returns: channel consumed by app.Run.
func forwardReloads(ctx context.Context, signals <-chan os.Signal) <-chan struct{} {
	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()
	return reload
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	switch {
	case opts.showVersion:
		fmt.Fprintf(stdout, "logshipper version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	case opts.checkOnly:
		if err := checkConfig(opts.configPath, stdout); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hangups := make(chan os.Signal, 1)
	signal.Notify(hangups, syscall.SIGHUP)
	defer signal.Stop(hangups)

	rt := app.Runtime{ConfigPath: opts.configPath, Reload: forwardReloads(ctx, hangups)}
	if err := app.Run(ctx, rt); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
