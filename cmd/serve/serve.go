// Package serve provides the serve command.
package serve

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/conf"
	"github.com/tphakala/imagecache/internal/imagecache"
	"github.com/tphakala/imagecache/internal/logger"
	"github.com/tphakala/imagecache/internal/server"
)

// Command creates and returns the serve command
func Command(ctx *app.Context) *cobra.Command {
	var (
		listen  string
		timeout time.Duration
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cached images over HTTP",
		Long: `Serve runs the image HTTP API with Prometheus metrics on /metrics and a
health check on /health until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.OpenCache(cmd.Context(), imagecache.Immediate)
			if err != nil {
				return err
			}
			defer cache.Close()

			if listen == "" {
				listen = ctx.Settings.Server.Listen
			}
			if watch {
				ctx.Watch(func(s *conf.Settings) {
					mode, err := s.ContentMode()
					if err != nil {
						return
					}
					if mode != cache.ContentMode() {
						cache.SetCacheContentMode(mode)
						ctx.Log.Info("content mode changed", logger.String("mode", mode.String()))
					}
				})
			}

			srv := server.New(cache, listen,
				server.WithLogger(ctx.Log),
				server.WithMetrics(ctx.Metrics),
				server.WithBuildInfo(ctx.Build),
				server.WithRequestTimeout(timeout),
			)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default: server.listen from the config)")
	cmd.Flags().DurationVar(&timeout, "timeout", server.DefaultRequestTimeout, "Longest time a request waits for a download")
	cmd.Flags().BoolVar(&watch, "watch", true, "Apply content mode changes from the config file without a restart")

	return cmd
}
