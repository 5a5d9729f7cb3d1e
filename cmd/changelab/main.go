package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildCLI().ExecuteContext(ctx); err != nil {
		msg, next, hints := describeError(err)
		printError(os.Stderr, msg, next, hints)
		os.Exit(1)
	}
}
