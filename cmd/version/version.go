// Package version provides the version command.
package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
)

// Command creates and returns the version command. annotation marks it
// as runnable without a config file.
func Command(ctx *app.Context, annotation string) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotation: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imagecache %s (built %s, %s)\n",
				ctx.Build.GetVersion(), ctx.Build.GetBuildDate(), runtime.Version())
		},
	}
}
