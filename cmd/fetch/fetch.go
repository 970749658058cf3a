// Package fetch provides the fetch command.
package fetch

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/labstack/gommon/bytes"
	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/errors"
	"github.com/tphakala/imagecache/internal/imagecache"
	"github.com/tphakala/imagecache/internal/imagestore"
)

// DefaultTimeout bounds a whole fetch run.
const DefaultTimeout = 2 * time.Minute

var (
	hitStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	downloadStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	missStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// Options of one fetch run.
type Options struct {
	ImageType string
	OutDir    string
	Timeout   time.Duration
}

// Command creates and returns the fetch command
func Command(ctx *app.Context) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "fetch --type TYPE URL...",
		Short: "Fetch images through the cache",
		Long: `Fetch requests every URL through the image cache, downloading the ones
that are not cached yet, and prints where each result came from.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, loop, err := open(cmd.Context(), ctx)
			if err != nil {
				return err
			}
			defer cache.Close()
			return Run(cmd.Context(), cache, loop, cmd.OutOrStdout(), opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.ImageType, "type", "t", "", "Image type to fetch")
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "Write the images as PNG files to this directory")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultTimeout, "Give up on downloads after this long")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func open(parent context.Context, ctx *app.Context) (*imagecache.Cache, *imagecache.MainLoop, error) {
	loop := imagecache.NewMainLoop()
	cache, err := ctx.OpenCache(parent, loop)
	if err != nil {
		return nil, nil, err
	}
	return cache, loop, nil
}

// Run requests urls and waits for their completions on the calling
// goroutine, which drains loop. The cache must deliver through loop.
func Run(parent context.Context, cache *imagecache.Cache, loop *imagecache.MainLoop, w io.Writer, opts Options, urls []string) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	results := make([]imagecache.Result, len(urls))
	delivered := make([]bool, len(urls))
	pending := len(urls)

	for i, u := range urls {
		cache.CachedImage(ctx, u, opts.ImageType, func(r imagecache.Result) {
			// Runs on this goroutine, inside loop.Run.
			results[i] = r
			delivered[i] = true
			pending--
			if pending == 0 {
				cancel()
			}
		})
	}

	_ = loop.Run(ctx)
	loop.Drain()

	var missing int
	for i, u := range urls {
		res := results[i]
		switch {
		case !delivered[i]:
			missing++
			fmt.Fprintf(w, "%s %s\n", missStyle.Render(fmt.Sprintf("%-8s", "timeout")), u)
		case !res.Found():
			missing++
			fmt.Fprintf(w, "%s %s\n", missStyle.Render(fmt.Sprintf("%-8s", "absent")), u)
		default:
			line, err := describe(res, u, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, line)
		}
	}

	if missing > 0 {
		return errors.Newf("%d of %d images unavailable", missing, len(urls)).
			Component("cli").
			Category(errors.CategoryImageFetch).
			Build()
	}
	return nil
}

func describe(res imagecache.Result, rawURL string, opts Options) (string, error) {
	style := hitStyle
	if res.Source == imagecache.SourceDownload {
		style = downloadStyle
	}
	b := res.Image.Bounds()
	line := fmt.Sprintf("%s %s %s", style.Render(fmt.Sprintf("%-8s", res.Source)), dimStyle.Render(fmt.Sprintf("%dx%d", b.Dx(), b.Dy())), rawURL)

	if opts.OutDir == "" {
		return line, nil
	}
	path, size, err := writePNG(opts.OutDir, imagestore.NewKey(opts.ImageType, rawURL), res.Image)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -> %s (%s)", line, path, bytes.Format(size)), nil
}

// writePNG writes img to dir as <type>-<entity>.png and returns the path and size.
func writePNG(dir string, key imagestore.Key, img image.Image) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fileError(err, dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", key.Type, key.Entity))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fileError(err, path)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return "", 0, fileError(err, path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return "", 0, fileError(err, path)
	}
	if err := f.Close(); err != nil {
		return "", 0, fileError(err, path)
	}
	return path, info.Size(), nil
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component("cli").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
