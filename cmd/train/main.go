package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Jwoo5/ai612-project2-2023/internal/cli"

	// Register the reference task variant.
	_ "github.com/Jwoo5/ai612-project2-2023/internal/task/ehr"
)

var (
	// Version is the application version
	Version = "dev"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

func main() {
	// An interrupt cancels the run context; every worker unwinds through
	// its coordinator and the run is marked canceled before exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli.SetVersionInfo(Version, BuildTime, GitCommit)

	if err := cli.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
