package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := &cli{out: os.Stdout, errOut: os.Stderr}
	err := newRootCommand(c).ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errTasksFailed) {
		fmt.Fprintln(os.Stderr, red("error:"), err)
	}
	cancel()
	os.Exit(exitCode(err))
}
