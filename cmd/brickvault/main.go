// Command brickvault scrapes a LEGO catalog site into SQLite and serves the
// result read-only.
//
//	brickvault scrape --kind set 75192-1 10294-1
//	brickvault link --all
//	brickvault matrix --theme "Star Wars" > matrix.json
//	brickvault serve --addr :8086
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/brickvault/catalog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "brickvault:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps batch-fatal errors to distinct statuses for cron wrappers.
func exitCode(err error) int {
	var ae *catalog.AuthError
	var pe *catalog.PersistenceError
	switch {
	case errors.As(err, &ae):
		return 3
	case errors.As(err, &pe):
		return 4
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}
