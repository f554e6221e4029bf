package chat

import (
	"sync"
	"time"
)

// floodWindow rejects message floods with a per-sender sliding window:
// more than maxRepeats copies of the same text, or more than maxTotal
// messages of any text, inside the window suppresses delivery until the
// window rolls over.
type floodWindow struct {
	mu         sync.Mutex
	window     time.Duration
	maxTotal   int
	maxRepeats int
	entries    []floodEntry
}

type floodEntry struct {
	text string
	at   time.Time
}

func newFloodWindow(window time.Duration, maxTotal, maxRepeats int) *floodWindow {
	return &floodWindow{
		window:     window,
		maxTotal:   maxTotal,
		maxRepeats: maxRepeats,
	}
}

// Allow reports whether a message with the given text may be delivered
// now, recording it if so. Suppressed messages are not recorded, so a
// sender recovers as soon as the earlier burst ages out.
func (f *floodWindow) Allow(text string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.window)
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	f.entries = kept

	if len(f.entries) >= f.maxTotal {
		return false
	}

	repeats := 0
	for _, e := range f.entries {
		if e.text == text {
			repeats++
		}
	}
	if repeats >= f.maxRepeats {
		return false
	}

	f.entries = append(f.entries, floodEntry{text: text, at: now})
	return true
}
