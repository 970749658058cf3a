// Package exists provides the exists command.
package exists

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagecache"
)

// ErrNotCached is returned when the image is not in the cache. The
// process exits with status 1 without printing it.
var ErrNotCached = errors.NewStd("image is not cached")

// Command creates and returns the exists command
func Command(ctx *app.Context) *cobra.Command {
	var imageType string

	cmd := &cobra.Command{
		Use:   "exists --type TYPE URL",
		Short: "Check whether an image is cached",
		Long:  "Exists exits with status 0 when the image of URL is cached for the type and 1 otherwise.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.OpenCache(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cache.Close()
			return Run(cache, cmd.OutOrStdout(), imageType, args[0])
		},
	}

	cmd.Flags().StringVarP(&imageType, "type", "t", "", "Image type to check")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// Run reports whether rawURL is cached for imageType.
func Run(cache *imagecache.Cache, w io.Writer, imageType, rawURL string) error {
	if !cache.ImageExists(rawURL, imageType) {
		fmt.Fprintln(w, "not cached")
		return ErrNotCached
	}
	fmt.Fprintln(w, "cached")
	return nil
}
