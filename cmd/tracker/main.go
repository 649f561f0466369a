// Command tracker links detected nuclei into tracks.
//
//	tracker [flags] [dataset.json | directory ...]
//
// Without inputs the experiments of --db are tracked. With --web the results
// are served over HTTP; with --watch inputs are tracked again when they
// change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ritzau/nucleus-tracker/pkg/config"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/model"
)

func main() {
	// Parse command-line flags
	f := pflag.NewFlagSet("tracker", pflag.ExitOnError)
	config.RegisterFlags(f)
	f.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tracker [flags] [dataset.json | directory ...]\n\nFlags:\n")
		f.PrintDefaults()
	}
	_ = f.Parse(os.Args[1:])

	cfg, err := config.Load(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	level, _ := logging.ParseLevel(cfg.Verbosity)
	logging.Configure(os.Stderr, level, cfg.JSONLogs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, f, os.Stdout)
	if err != nil {
		logging.Fatal("startup failed", "error", err, "kind", model.KindOf(err).String())
	}
	err = a.run(ctx, f.Args())
	a.close()
	if err != nil {
		stop()
		logging.Fatal("tracker failed", "error", err, "kind", model.KindOf(err).String())
	}
}
