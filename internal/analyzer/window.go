package analyzer

// Window is a fixed-capacity FIFO of the most recent metric samples.
// Insertion is O(1); the aggregate read is the arithmetic mean over at
// most the last capacity values.
type Window struct {
	values []float64
	next   int
	count  int
}

// NewWindow creates a window holding up to capacity samples.
func NewWindow(capacity int) *Window {
	return &Window{values: make([]float64, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (w *Window) Push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.count < len(w.values) {
		w.count++
	}
}

// Len is the number of samples currently held.
func (w *Window) Len() int { return w.count }

// Cap is the window capacity.
func (w *Window) Cap() int { return len(w.values) }

// Fill is the fraction of the window currently occupied, in [0, 1].
func (w *Window) Fill() float64 {
	return float64(w.count) / float64(len(w.values))
}

// Mean is the arithmetic mean of the held samples; zero when empty.
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.values[i]
	}
	return sum / float64(w.count)
}

// windowKeys are the metrics the Analyzer smooths before thresholding.
var windowKeys = []string{"cpu", "memory", "latency_avg", "error_rate"}

// Store holds one bounded window per (service, metric). It is owned by
// the Analyzer and passed explicitly; there is no global window state.
type Store struct {
	size    int
	windows map[string]map[string]*Window
}

// NewStore creates a window store with the given per-window capacity.
func NewStore(size int) *Store {
	return &Store{size: size, windows: make(map[string]map[string]*Window)}
}

// Window returns the window for (service, metric), creating it lazily.
func (s *Store) Window(service, metric string) *Window {
	svc, ok := s.windows[service]
	if !ok {
		svc = make(map[string]*Window, len(windowKeys))
		s.windows[service] = svc
	}
	w, ok := svc[metric]
	if !ok {
		w = NewWindow(s.size)
		svc[metric] = w
	}
	return w
}

// Fill reports the minimum fill fraction across a service's windows,
// which gates verdict emission on cold starts.
func (s *Store) Fill(service string) float64 {
	svc, ok := s.windows[service]
	if !ok || len(svc) == 0 {
		return 0
	}
	fill := 1.0
	for _, w := range svc {
		if f := w.Fill(); f < fill {
			fill = f
		}
	}
	return fill
}
