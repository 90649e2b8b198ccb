// sockrepl serves an interactive Starlark shell over TCP or a Unix
// socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sockrepl/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sockrepl: %v\n", err)
		os.Exit(1)
	}
}
