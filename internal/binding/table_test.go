package binding

import (
	"image"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagecache/internal/imagecache"
)

type imageView struct {
	name  string
	image image.Image
}

type button struct {
	title       string
	images      map[ControlState]image.Image
	backgrounds map[ControlState]image.Image
}

func newButton(title string) *button {
	return &button{
		title:       title,
		images:      make(map[ControlState]image.Image),
		backgrounds: make(map[ControlState]image.Image),
	}
}

func setViewImage(v *imageView, img image.Image) { v.image = img }

func setButtonImage(b *button, s ControlState, img image.Image) { b.images[s] = img }

func setButtonBackground(b *button, s ControlState, img image.Image) { b.backgrounds[s] = img }

func TestImageViews(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	views := NewImageViews(f, setViewImage)
	view := &imageView{name: "avatar"}
	placeholder := image.NewGray(image.Rect(0, 0, 1, 1))

	assert.Equal(t, Idle, views.State(view))
	views.RequestImage(t.Context(), view, "https://example.com/a.png", "thumb", placeholder, nil)
	assert.Same(t, placeholder, view.image)
	assert.Equal(t, Requesting, views.State(view))
	assert.Equal(t, 1, views.Len())

	res := found()
	f.call(t, 0).done(res)
	assert.Same(t, res.Image, view.image)
	assert.Equal(t, Fulfilled, views.State(view))
}

func TestImageViewsReuseSupersedes(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	views := NewImageViews(f, setViewImage)
	view := &imageView{name: "cell"}

	views.RequestImage(t.Context(), view, "https://example.com/row1.png", "thumb", nil, nil)
	views.RequestImage(t.Context(), view, "https://example.com/row2.png", "thumb", nil, nil)

	row1, row2 := found(), found()
	f.call(t, 1).done(row2)
	f.call(t, 0).done(row1)
	assert.Same(t, row2.Image, view.image, "late result of the reused cell is ignored")
	assert.Equal(t, 1, views.Len())
}

func TestImageViewsCancel(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	views := NewImageViews(f, setViewImage)
	view := &imageView{name: "cell"}

	views.CancelImageRequest(view)
	views.RequestImage(t.Context(), view, "https://example.com/a.png", "thumb", nil, nil)
	views.CancelImageRequest(view)

	assert.Equal(t, Cancelled, views.State(view))
	f.call(t, 0).done(found())
	assert.Nil(t, view.image)
}

func TestImageViewsCollectedViewIsCancelled(t *testing.T) {
	f := &fakeFacade{}
	views := NewImageViews(f, setViewImage)

	requestForTemporaryView(t, views)
	require.Equal(t, 1, views.Len())

	require.Eventually(t, func() bool {
		runtime.GC()
		return views.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(f.cancels()) == 1 }, time.Second, 5*time.Millisecond)

	// A result arriving after collection is dropped without touching the view.
	f.call(t, 0).done(found())
}

func requestForTemporaryView(t *testing.T, views *ImageViews[imageView]) {
	t.Helper()
	view := &imageView{name: "temporary"}
	views.RequestImage(t.Context(), view, "https://example.com/tmp.png", "thumb", nil, nil)
}

func TestButtonsPartitionBySlot(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	buttons := NewButtons(f, setButtonImage, setButtonBackground)
	btn := newButton("play")
	ctx := t.Context()

	buttons.RequestImage(ctx, btn, Normal, "https://example.com/n.png", "icon", nil, nil)
	buttons.RequestImage(ctx, btn, Highlighted, "https://example.com/h.png", "icon", nil, nil)
	buttons.RequestBackgroundImage(ctx, btn, Normal, "https://example.com/bg.png", "icon", nil, nil)

	assert.Equal(t, 1, buttons.Len())
	for _, slot := range []Slot{{State: Normal}, {State: Highlighted}, {State: Normal, Background: true}} {
		assert.Equal(t, Requesting, buttons.State(btn, slot), slot.String())
	}
	assert.Equal(t, Idle, buttons.State(btn, Slot{State: Disabled}))

	normal, highlighted, background := found(), found(), found()
	f.call(t, 0).done(normal)
	f.call(t, 1).done(highlighted)
	f.call(t, 2).done(background)

	assert.Same(t, normal.Image, btn.images[Normal])
	assert.Same(t, highlighted.Image, btn.images[Highlighted])
	assert.Same(t, background.Image, btn.backgrounds[Normal])
	assert.Nil(t, btn.backgrounds[Highlighted])
}

func TestButtonsCancelForegroundAndBackground(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	buttons := NewButtons(f, setButtonImage, setButtonBackground)
	btn := newButton("stop")
	ctx := t.Context()

	buttons.RequestImage(ctx, btn, Normal, "https://example.com/n.png", "icon", nil, nil)
	buttons.RequestImage(ctx, btn, Selected, "https://example.com/s.png", "icon", nil, nil)
	buttons.RequestBackgroundImage(ctx, btn, Normal, "https://example.com/bg.png", "icon", nil, nil)

	buttons.CancelImageRequest(btn)
	assert.Equal(t, Cancelled, buttons.State(btn, Slot{State: Normal}))
	assert.Equal(t, Cancelled, buttons.State(btn, Slot{State: Selected}))
	assert.Equal(t, Requesting, buttons.State(btn, Slot{State: Normal, Background: true}))
	assert.Len(t, f.cancels(), 2)

	buttons.CancelBackgroundImageRequest(btn)
	assert.Equal(t, Cancelled, buttons.State(btn, Slot{State: Normal, Background: true}))
	assert.Len(t, f.cancels(), 3)

	for i := range 3 {
		f.call(t, i).done(found())
	}
	for _, img := range btn.images {
		assert.Nil(t, img)
	}
	for _, img := range btn.backgrounds {
		assert.Nil(t, img)
	}
}

func TestButtonsDoneCallback(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	buttons := NewButtons[button](f, nil, nil)
	btn := newButton("nil setters")

	var got []imagecache.Result
	buttons.RequestImage(t.Context(), btn, Disabled, "https://example.com/d.png", "icon", nil, func(r imagecache.Result) {
		got = append(got, r)
	})
	f.call(t, 0).done(found())
	require.Len(t, got, 1)
	assert.True(t, got[0].Found())
}

func TestSlotString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "normal", Slot{}.String())
	assert.Equal(t, "background/selected", Slot{State: Selected, Background: true}.String())
	assert.Equal(t, "disabled", Disabled.String())
	assert.Equal(t, "highlighted", Highlighted.String())
}
