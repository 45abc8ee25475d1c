package session

// window is the rolling set of recent user utterances, keyed by turn id so a
// late transcript revision replaces its turn instead of adding a new one.
type window struct {
	size  int
	order []string
	text  map[string]string
}

func newWindow(size int) *window {
	return &window{size: size, text: make(map[string]string, size)}
}

// put records or revises the utterance for turnID. The oldest turn is evicted
// once the window exceeds its size.
func (w *window) put(turnID, text string) {
	if _, ok := w.text[turnID]; ok {
		w.text[turnID] = text
		return
	}
	w.text[turnID] = text
	w.order = append(w.order, turnID)
	for len(w.order) > w.size {
		delete(w.text, w.order[0])
		w.order = w.order[1:]
	}
}

// last returns up to n most recent utterances, oldest first.
func (w *window) last(n int) []string {
	if n <= 0 || len(w.order) == 0 {
		return nil
	}
	start := max(len(w.order)-n, 0)
	out := make([]string, 0, len(w.order)-start)
	for _, id := range w.order[start:] {
		out = append(out, w.text[id])
	}
	return out
}

// all returns every utterance in the window, oldest first.
func (w *window) all() []string { return w.last(len(w.order)) }

func (w *window) len() int { return len(w.order) }
