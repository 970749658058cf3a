package binding

import (
	"context"
	"image"
	"weak"

	"github.com/tphakala/imagecache/internal/imagecache"
)

// ButtonSetter shows an image on a button for one control state.
type ButtonSetter[B any] func(button *B, state ControlState, img image.Image)

// Buttons binds image requests to buttons of type B, one binding per
// control state for the foreground image and one per control state for
// the background image.
type Buttons[B any] struct {
	table         *table[B]
	setImage      ButtonSetter[B]
	setBackground ButtonSetter[B]
}

// NewButtons returns an empty button table.
func NewButtons[B any](facade Facade, setImage, setBackground ButtonSetter[B], opts ...Option) *Buttons[B] {
	return &Buttons[B]{
		table:         newTable[B](facade, "button", opts),
		setImage:      setImage,
		setBackground: setBackground,
	}
}

// RequestImage loads url as the image of button for state.
func (b *Buttons[B]) RequestImage(ctx context.Context, button *B, state ControlState, url, imageType string, placeholder image.Image, done imagecache.Completion) {
	b.request(ctx, button, Slot{State: state}, b.setImage, url, imageType, placeholder, done)
}

// RequestBackgroundImage loads url as the background image of button for state.
func (b *Buttons[B]) RequestBackgroundImage(ctx context.Context, button *B, state ControlState, url, imageType string, placeholder image.Image, done imagecache.Completion) {
	b.request(ctx, button, Slot{State: state, Background: true}, b.setBackground, url, imageType, placeholder, done)
}

func (b *Buttons[B]) request(ctx context.Context, button *B, slot Slot, set ButtonSetter[B], url, imageType string, placeholder image.Image, done imagecache.Completion) {
	var show func(image.Image)
	if set != nil {
		wp := weak.Make(button)
		show = func(img image.Image) {
			if btn := wp.Value(); btn != nil {
				set(btn, slot.State, img)
			}
		}
	}
	b.table.binding(button, slot).Request(ctx, url, imageType, placeholder, show, done)
}

// CancelImageRequest cancels the foreground requests of button in every state.
func (b *Buttons[B]) CancelImageRequest(button *B) {
	b.table.cancel(button, func(s Slot) bool { return !s.Background })
}

// CancelBackgroundImageRequest cancels the background requests of button in every state.
func (b *Buttons[B]) CancelBackgroundImageRequest(button *B) {
	b.table.cancel(button, func(s Slot) bool { return s.Background })
}

// State returns the binding state of one slot of button.
func (b *Buttons[B]) State(button *B, slot Slot) State {
	if bd := b.table.lookup(button, slot); bd != nil {
		return bd.State()
	}
	return Idle
}

// Len returns the number of buttons with a binding.
func (b *Buttons[B]) Len() int {
	return b.table.len()
}
