// Package seed provides the seed command.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/downloader"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagecache"
)

// Command creates and returns the seed command
func Command(ctx *app.Context) *cobra.Command {
	var imageType, rawURL string

	cmd := &cobra.Command{
		Use:   "seed --type TYPE --url URL FILE",
		Short: "Store a local image in the cache under a URL",
		Long: `Seed decodes FILE, formats it for the image type and stores it as if it
had been downloaded from URL. Later fetches of URL are served from the cache.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.OpenCache(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cache.Close()
			return Run(cmd.Context(), cache, cmd.OutOrStdout(), imageType, rawURL, args[0])
		},
	}

	cmd.Flags().StringVarP(&imageType, "type", "t", "", "Image type to store")
	cmd.Flags().StringVarP(&rawURL, "url", "u", "", "URL the image is stored under")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

// Run stores the image in path under rawURL.
func Run(ctx context.Context, cache *imagecache.Cache, w io.Writer, imageType, rawURL, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(err).
			Component("cli").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	img, err := downloader.Decode(data, path)
	if err != nil {
		return err
	}
	if err := cache.SetCachedImage(ctx, img, rawURL, imageType); err != nil {
		return err
	}

	d, _ := cache.Description(imageType)
	fmt.Fprintf(w, "stored %s as %s (%dx%d %s)\n", path, imageType, d.Width, d.Height, d.Style)
	return nil
}
