package binding

import (
	"runtime"
	"sync"
	"weak"
)

// ControlState is the state of a button an image is shown for.
type ControlState int

const (
	Normal ControlState = iota
	Highlighted
	Disabled
	Selected
)

func (s ControlState) String() string {
	switch s {
	case Highlighted:
		return "highlighted"
	case Disabled:
		return "disabled"
	case Selected:
		return "selected"
	default:
		return "normal"
	}
}

// Slot partitions the bindings of one element.
type Slot struct {
	State      ControlState
	Background bool
}

func (s Slot) String() string {
	if s.Background {
		return "background/" + s.State.String()
	}
	return s.State.String()
}

// table maps elements to their slot bindings without keeping the
// elements alive. Entries of collected elements are cancelled and removed.
type table[E any] struct {
	facade Facade
	kind   string
	cfg    config

	mu      sync.Mutex
	entries map[weak.Pointer[E]]map[Slot]*Binding
}

func newTable[E any](facade Facade, kind string, opts []Option) *table[E] {
	return &table[E]{
		facade:  facade,
		kind:    kind,
		cfg:     newConfig(opts),
		entries: make(map[weak.Pointer[E]]map[Slot]*Binding),
	}
}

// binding returns the binding of elem's slot, creating it on first use.
func (t *table[E]) binding(elem *E, slot Slot) *Binding {
	wp := weak.Make(elem)

	t.mu.Lock()
	defer t.mu.Unlock()

	slots, ok := t.entries[wp]
	if !ok {
		slots = make(map[Slot]*Binding)
		t.entries[wp] = slots
		runtime.AddCleanup(elem, t.remove, wp)
	}
	b, ok := slots[slot]
	if !ok {
		b = &Binding{
			facade:  t.facade,
			slot:    t.kind + "/" + slot.String(),
			log:     t.cfg.log,
			metrics: t.cfg.metrics,
		}
		slots[slot] = b
	}
	return b
}

// lookup returns the binding of elem's slot, or nil.
func (t *table[E]) lookup(elem *E, slot Slot) *Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[weak.Make(elem)][slot]
}

// cancel cancels the bindings of elem whose slot matches.
func (t *table[E]) cancel(elem *E, match func(Slot) bool) {
	t.mu.Lock()
	var targets []*Binding
	for slot, b := range t.entries[weak.Make(elem)] {
		if match(slot) {
			targets = append(targets, b)
		}
	}
	t.mu.Unlock()

	for _, b := range targets {
		b.Cancel()
	}
}

// remove runs after the element behind wp was collected.
func (t *table[E]) remove(wp weak.Pointer[E]) {
	t.mu.Lock()
	slots := t.entries[wp]
	delete(t.entries, wp)
	t.mu.Unlock()

	for _, b := range slots {
		b.Cancel()
	}
}

func (t *table[E]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
