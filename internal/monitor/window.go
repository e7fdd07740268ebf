package monitor

import "time"

// slidingWindow holds event timestamps for one type.
type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

func (w *slidingWindow) add(ts, now time.Time) int {
	w.stamps = append(w.stamps, ts)
	w.prune(now)
	return len(w.stamps)
}

// prune drops timestamps older than the window. Timestamps supplied by
// producers may arrive out of order, so every entry is checked.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	clear(w.stamps[len(kept):])
	w.stamps = kept
}

func (w *slidingWindow) reset() {
	w.stamps = w.stamps[:0]
}
