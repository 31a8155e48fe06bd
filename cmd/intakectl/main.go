// Command intakectl is the operator CLI for the intake service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/intake/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
	}
	stop()
	os.Exit(cli.GetExitCode(err))
}
