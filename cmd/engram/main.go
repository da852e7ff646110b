package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/engram-sh/engram"
)

// Exit codes: 0 success, 1 usage or fatal, 2 transient (safe to retry on
// the next invocation).
const (
	exitOK        = 0
	exitFatal     = 1
	exitTransient = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, "engram:", err)
	if errors.Is(err, engram.ErrResourceExhausted) {
		os.Exit(exitTransient)
	}
	os.Exit(exitFatal)
}
