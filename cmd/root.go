// Package cmd assembles the imagecache command line.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/cmd/configcmd"
	"github.com/tphakala/imagecache/cmd/exists"
	"github.com/tphakala/imagecache/cmd/fetch"
	"github.com/tphakala/imagecache/cmd/purge"
	"github.com/tphakala/imagecache/cmd/seed"
	"github.com/tphakala/imagecache/cmd/serve"
	"github.com/tphakala/imagecache/cmd/version"
	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/errors"
)

// skipInitAnnotation marks commands that run without loading the settings.
const skipInitAnnotation = "imagecache/skip-init"

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "imagecache",
		Short:         "Type-keyed image download cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, ctx)

	rootCmd.AddCommand(
		fetch.Command(ctx),
		seed.Command(ctx),
		exists.Command(ctx),
		purge.Command(ctx),
		serve.Command(ctx),
		configcmd.Command(ctx, skipInitAnnotation),
		version.Command(ctx, skipInitAnnotation),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, skip := cmd.Annotations[skipInitAnnotation]; skip {
			return nil
		}
		return ctx.Init()
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *app.Context) {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.ConfigFile, "config", "c", "", "Config file (default: config.yaml in ., ~/.config/imagecache or /etc/imagecache)")
	flags.BoolP("debug", "d", false, "Enable debug output")

	// Bound flags take precedence over the config file and environment.
	_ = ctx.Viper.BindPFlag("debug", flags.Lookup("debug"))
}

// ExitCode reports err on w and returns the process exit status.
func ExitCode(err error, w io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, exists.ErrNotCached):
		return 1
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}
}
