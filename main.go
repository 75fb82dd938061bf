package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mangascraper/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mangascraper:", err)
		os.Exit(1)
	}
}
