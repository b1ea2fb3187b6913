// Package transcript assembles the call transcript from realtime events:
// customer turns arrive complete, agent turns arrive as deltas that are
// buffered until the response finishes.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who said an entry.
type Speaker string

const (
	Customer Speaker = "Customer"
	Agent    Speaker = "Agent"
)

// ClockLayout is the wall-clock label attached to live entries.
const ClockLayout = "3:04:05 PM"

// Entry is one line of the transcript. Timestamp is the display label that
// travels in uploads and exports; At is the instant the entry was recorded
// and is zero for uploaded entries whose label is not RFC 3339.
type Entry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp string    `json:"timestamp"`
	At        time.Time `json:"-"`
}

// Assembler builds the ordered transcript for one session. It is safe for
// concurrent use, though the session drives it from a single goroutine.
type Assembler struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries []Entry
	pending string
	last    time.Time
}

// New returns an empty assembler. A nil clock uses time.Now.
func New(clock func() time.Time) *Assembler {
	if clock == nil {
		clock = time.Now
	}
	return &Assembler{clock: clock}
}

// CustomerCompleted appends a finished customer utterance. Blank text is
// ignored.
func (a *Assembler) CustomerCompleted(text string) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendLocked(Customer, text), true
}

// AgentDelta adds a fragment of the in-progress agent turn. Fragments are
// kept as sent and joined with a space; only the finished turn is trimmed.
func (a *Assembler) AgentDelta(delta string) {
	if strings.TrimSpace(delta) == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == "" {
		a.pending = delta
		return
	}
	a.pending += " " + delta
}

// ResponseDone closes the agent turn. The buffered text becomes an entry if
// it is not blank, and the buffer is cleared either way.
func (a *Assembler) ResponseDone() (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := strings.TrimSpace(a.pending)
	a.pending = ""
	if text == "" {
		return Entry{}, false
	}
	return a.appendLocked(Agent, text), true
}

func (a *Assembler) appendLocked(speaker Speaker, text string) Entry {
	at := a.clock()
	// The wall clock may step backwards; entries never do.
	if at.Before(a.last) {
		at = a.last
	}
	a.last = at
	e := Entry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: at.Format(ClockLayout),
		At:        at,
	}
	a.entries = append(a.entries, e)
	return e
}

// Entries returns a copy of the transcript so far.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Pending returns the buffered agent text of the current turn.
func (a *Assembler) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Replace swaps the transcript for entries (an upload) and drops any pending
// agent text.
func (a *Assembler) Replace(entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make([]Entry, len(entries))
	copy(a.entries, entries)
	a.pending = ""
	a.last = time.Time{}
	for _, e := range entries {
		if e.At.After(a.last) {
			a.last = e.At
		}
	}
}

// Reset clears everything for a new session.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.pending = ""
	a.last = time.Time{}
}
