// Command pricesync loads flattened price observations from a CSV file into
// the category, store, product and price tables of a relational database.
// Runs are resumable: every committed batch advances a durable checkpoint.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	// register all backends with the storage factory.
	_ "pricesync/internal/storage/all"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "pricesync: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}
