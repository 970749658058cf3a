package binding

import (
	"context"
	"image"
	"weak"

	"github.com/tphakala/imagecache/internal/imagecache"
)

// ImageViews binds image requests to views of type V. setImage shows an
// image on a view; it is never called for a view that was collected.
type ImageViews[V any] struct {
	table    *table[V]
	setImage func(*V, image.Image)
}

// NewImageViews returns an empty view table.
func NewImageViews[V any](facade Facade, setImage func(*V, image.Image), opts ...Option) *ImageViews[V] {
	return &ImageViews[V]{
		table:    newTable[V](facade, "image", opts),
		setImage: setImage,
	}
}

// RequestImage shows placeholder on view and loads url into it, replacing
// any request still active for view. done may be nil.
func (v *ImageViews[V]) RequestImage(ctx context.Context, view *V, url, imageType string, placeholder image.Image, done imagecache.Completion) {
	v.table.binding(view, Slot{}).Request(ctx, url, imageType, placeholder, showOn(view, v.setImage), done)
}

// CancelImageRequest cancels the active request of view.
func (v *ImageViews[V]) CancelImageRequest(view *V) {
	v.table.cancel(view, func(Slot) bool { return true })
}

// State returns the binding state of view; Idle if it never requested.
func (v *ImageViews[V]) State(view *V) State {
	if b := v.table.lookup(view, Slot{}); b != nil {
		return b.State()
	}
	return Idle
}

// showOn returns a show function that resolves view weakly.
func showOn[V any](view *V, set func(*V, image.Image)) func(image.Image) {
	if set == nil {
		return nil
	}
	wp := weak.Make(view)
	return func(img image.Image) {
		if v := wp.Value(); v != nil {
			set(v, img)
		}
	}
}

// Len returns the number of views with a binding.
func (v *ImageViews[V]) Len() int {
	return v.table.len()
}
