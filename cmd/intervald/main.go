package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ogios/interval-task/internal/app"
)

const stopTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./intervald.yaml", "path to config (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	reason := app.StopSignal
	switch {
	case ctx.Err() != nil:
	case a.Err() != nil:
		reason = app.StopFatalError
	case a.Finished():
		reason = app.StopFinished
	default:
		reason = app.StopUnknown
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		return 1
	}
	return 0
}
