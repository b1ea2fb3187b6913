package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

const maxUploadBytes = 16 << 20

type wireEntry struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// DecodeUpload parses a transcript file: a JSON array of
// {speaker, text, timestamp}. Any bad entry rejects the whole file.
func DecodeUpload(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, core.NewDecodeError("transcript.upload", err)
	}
	if len(data) > maxUploadBytes {
		return nil, core.NewDecodeError("transcript.upload", fmt.Errorf("transcript exceeds %d bytes", maxUploadBytes))
	}

	var raw []wireEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, core.NewDecodeError("transcript.upload", fmt.Errorf("transcript must be a JSON array of entries: %w", err))
	}

	entries := make([]Entry, 0, len(raw))
	for i, w := range raw {
		speaker, ok := parseSpeaker(w.Speaker)
		if !ok {
			return nil, core.NewDecodeError("transcript.upload", fmt.Errorf("entry %d: unknown speaker %q", i, w.Speaker))
		}
		text := strings.TrimSpace(w.Text)
		if text == "" {
			return nil, core.NewDecodeError("transcript.upload", fmt.Errorf("entry %d: text is empty", i))
		}
		e := Entry{Speaker: speaker, Text: text, Timestamp: strings.TrimSpace(w.Timestamp)}
		if at, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			e.At = at
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Encode writes entries in the upload format.
func Encode(w io.Writer, entries []Entry) error {
	out := make([]wireEntry, len(entries))
	for i, e := range entries {
		out[i] = wireEntry{Speaker: string(e.Speaker), Text: e.Text, Timestamp: e.Timestamp}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func parseSpeaker(s string) (Speaker, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer":
		return Customer, true
	case "agent":
		return Agent, true
	default:
		return "", false
	}
}
