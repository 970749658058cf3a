// Package purge provides the purge command.
package purge

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagecache"
)

// Command creates and returns the purge command
func Command(ctx *app.Context) *cobra.Command {
	var imageType string

	cmd := &cobra.Command{
		Use:   "purge --type TYPE",
		Short: "Remove every cached image of a type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.OpenCache(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cache.Close()
			return Run(cmd.Context(), cache, cmd.OutOrStdout(), imageType)
		},
	}

	cmd.Flags().StringVarP(&imageType, "type", "t", "", "Image type to purge")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// Run purges imageType and reports how many entries were removed.
func Run(ctx context.Context, cache *imagecache.Cache, w io.Writer, imageType string) error {
	store := cache.Store()
	if store == nil {
		return errors.Newf("image store is not open").
			Component("cli").
			Category(errors.CategoryState).
			Build()
	}
	n, err := store.Purge(ctx, imageType)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "purged %d %s images\n", n, imageType)
	return nil
}
