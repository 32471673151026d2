package room

// ContextWindow is a bounded FIFO of analysis context strings.
type ContextWindow struct {
	max   int
	items []string
}

func NewContextWindow(max int) *ContextWindow {
	if max < 1 {
		max = 1
	}
	return &ContextWindow{max: max, items: make([]string, 0, max)}
}

// Push appends s, evicting the oldest entries beyond the bound.
func (w *ContextWindow) Push(s string) {
	w.items = append(w.items, s)
	if over := len(w.items) - w.max; over > 0 {
		w.items = append(w.items[:0:0], w.items[over:]...)
	}
}

// Latest returns the newest entry, or "" when empty.
func (w *ContextWindow) Latest() string {
	if len(w.items) == 0 {
		return ""
	}
	return w.items[len(w.items)-1]
}

func (w *ContextWindow) Len() int { return len(w.items) }

// Items returns a copy, oldest first.
func (w *ContextWindow) Items() []string {
	out := make([]string, len(w.items))
	copy(out, w.items)
	return out
}
