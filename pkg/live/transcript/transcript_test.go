package transcript

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

type steppingClock struct {
	times []time.Time
	i     int
}

func (c *steppingClock) now() time.Time {
	t := c.times[c.i]
	if c.i < len(c.times)-1 {
		c.i++
	}
	return t
}

func TestAssembler_AgentDeltasJoinOnResponseDone(t *testing.T) {
	a := New(nil)
	for _, d := range []string{"I", "can", "help"} {
		a.AgentDelta(d)
	}
	if got := a.Pending(); got != "I can help" {
		t.Fatalf("Pending() = %q", got)
	}
	e, ok := a.ResponseDone()
	if !ok || e.Speaker != Agent || e.Text != "I can help" {
		t.Fatalf("ResponseDone() = %+v, %v", e, ok)
	}
	if a.Pending() != "" {
		t.Fatalf("pending not cleared: %q", a.Pending())
	}
	if len(a.Entries()) != 1 {
		t.Fatalf("entries = %+v", a.Entries())
	}
}

func TestAssembler_DeltasKeepTheirOwnWhitespace(t *testing.T) {
	a := New(nil)
	for _, d := range []string{" I", " can", "help "} {
		a.AgentDelta(d)
	}
	if got := a.Pending(); got != " I  can help " {
		t.Fatalf("Pending() = %q", got)
	}
	e, ok := a.ResponseDone()
	if !ok || e.Text != "I  can help" {
		t.Fatalf("ResponseDone() = %+v, %v", e, ok)
	}
}

func TestAssembler_BlankInputIsIgnored(t *testing.T) {
	a := New(nil)
	if _, ok := a.CustomerCompleted("   "); ok {
		t.Fatal("blank customer text appended")
	}
	a.AgentDelta(" ")
	a.AgentDelta("")
	if _, ok := a.ResponseDone(); ok {
		t.Fatal("blank agent turn appended")
	}
	if _, ok := a.ResponseDone(); ok {
		t.Fatal("second ResponseDone appended")
	}
	if n := len(a.Entries()); n != 0 {
		t.Fatalf("entries = %d", n)
	}
}

func TestAssembler_Interleavings(t *testing.T) {
	tests := []struct {
		name   string
		script []string // c:<text>, d:<delta>, done
		want   []Entry
	}{
		{
			name:   "customer then agent",
			script: []string{"c:my card was declined", "d:Let", "d:me", "d:check", "done"},
			want: []Entry{
				{Speaker: Customer, Text: "my card was declined"},
				{Speaker: Agent, Text: "Let me check"},
			},
		},
		{
			name:   "customer completes mid agent turn",
			script: []string{"d:One", "c:hello?", "d:moment", "done", "c:thanks"},
			want: []Entry{
				{Speaker: Customer, Text: "hello?"},
				{Speaker: Agent, Text: "One moment"},
				{Speaker: Customer, Text: "thanks"},
			},
		},
		{
			name:   "consecutive turns stay separate",
			script: []string{"d:First", "done", "d:Second", "d:turn", "done", "done"},
			want: []Entry{
				{Speaker: Agent, Text: "First"},
				{Speaker: Agent, Text: "Second turn"},
			},
		},
		{
			name:   "unterminated turn stays pending",
			script: []string{"c:hi", "d:partial"},
			want:   []Entry{{Speaker: Customer, Text: "hi"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(nil)
			for _, step := range tt.script {
				switch {
				case step == "done":
					a.ResponseDone()
				case strings.HasPrefix(step, "c:"):
					a.CustomerCompleted(strings.TrimPrefix(step, "c:"))
				case strings.HasPrefix(step, "d:"):
					a.AgentDelta(strings.TrimPrefix(step, "d:"))
				}
			}
			got := a.Entries()
			if len(got) != len(tt.want) {
				t.Fatalf("entries = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i].Speaker != tt.want[i].Speaker || got[i].Text != tt.want[i].Text {
					t.Fatalf("entry %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAssembler_TimestampsNeverGoBackwards(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 4, 5, 0, time.UTC)
	clock := &steppingClock{times: []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}}
	a := New(clock.now)

	a.CustomerCompleted("one")
	a.CustomerCompleted("two")
	a.CustomerCompleted("three")

	entries := a.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].At.Before(entries[i-1].At) {
			t.Fatalf("entry %d at %v precedes %v", i, entries[i].At, entries[i-1].At)
		}
	}
	if entries[0].Timestamp != "10:04:05 AM" {
		t.Fatalf("label = %q", entries[0].Timestamp)
	}
}

func TestAssembler_ReplaceDropsPending(t *testing.T) {
	a := New(nil)
	a.CustomerCompleted("old")
	a.AgentDelta("stale")
	a.Replace([]Entry{{Speaker: Agent, Text: "uploaded", Timestamp: "t1"}})

	if a.Pending() != "" {
		t.Fatalf("pending = %q", a.Pending())
	}
	if _, ok := a.ResponseDone(); ok {
		t.Fatal("stale delta flushed after Replace")
	}
	entries := a.Entries()
	if len(entries) != 1 || entries[0].Text != "uploaded" {
		t.Fatalf("entries = %+v", entries)
	}

	a.Reset()
	if len(a.Entries()) != 0 {
		t.Fatal("Reset kept entries")
	}
}

func TestUpload_RoundTrip(t *testing.T) {
	in := `[{"speaker":"Customer","text":"hello","timestamp":"t1"},{"speaker":"Agent","text":"hi there","timestamp":"t2"}]`
	entries, err := DecodeUpload(strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeUpload() error = %v", err)
	}
	want := []Entry{
		{Speaker: Customer, Text: "hello", Timestamp: "t1"},
		{Speaker: Agent, Text: "hi there", Timestamp: "t2"},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, entries); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	again, err := DecodeUpload(&buf)
	if err != nil {
		t.Fatalf("DecodeUpload(Encode()) error = %v", err)
	}
	for i := range want {
		if again[i] != want[i] {
			t.Fatalf("round trip entry %d = %+v", i, again[i])
		}
	}
}

func TestUpload_RFC3339SetsInstant(t *testing.T) {
	entries, err := DecodeUpload(strings.NewReader(`[{"speaker":"agent","text":"ok","timestamp":"2026-03-01T10:00:00Z"}]`))
	if err != nil {
		t.Fatalf("DecodeUpload() error = %v", err)
	}
	if entries[0].Speaker != Agent || entries[0].At.IsZero() {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestUpload_RejectsBadFiles(t *testing.T) {
	bad := map[string]string{
		"not json":        `{"speaker":`,
		"object":          `{"speaker":"Customer","text":"x"}`,
		"unknown speaker": `[{"speaker":"Supervisor","text":"x","timestamp":"t"}]`,
		"empty text":      `[{"speaker":"Customer","text":"  ","timestamp":"t"}]`,
		"one bad entry":   `[{"speaker":"Customer","text":"fine","timestamp":"t"},{"speaker":"Agent","text":""}]`,
	}
	for name, raw := range bad {
		entries, err := DecodeUpload(strings.NewReader(raw))
		if !core.IsKind(err, core.KindDecode) {
			t.Fatalf("%s: err = %v, want decode error", name, err)
		}
		if entries != nil {
			t.Fatalf("%s: returned entries %+v", name, entries)
		}
	}
}
