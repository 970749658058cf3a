package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/imagecache/cmd"
	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/buildinfo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	appCtx := app.NewContext(buildinfo.Current())
	err := cmd.RootCommand(appCtx).ExecuteContext(ctx)
	stop()
	_ = appCtx.Close()

	os.Exit(cmd.ExitCode(err, os.Stderr))
}
