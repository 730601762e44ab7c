package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
)

// SpoolSource reads events from a newline-delimited JSON file under the
// vault spool directory. External connectors (mail bridges, webhooks)
// append lines; the file is never truncated by this process, so a fetch
// always returns the full backlog and relies on dedup to filter replays.
type SpoolSource struct {
	name string
	kind task.Kind
	path string
}

// NewSpoolSource reads spool/<name>.jsonl relative to the vault root.
func NewSpoolSource(vaultRoot, name string, kind task.Kind) *SpoolSource {
	return &SpoolSource{
		name: name,
		kind: kind,
		path: filepath.Join(vaultRoot, "spool", name+".jsonl"),
	}
}

func (s *SpoolSource) Name() string    { return s.name }
func (s *SpoolSource) Kind() task.Kind { return s.kind }

// Fetch parses every line of the spool file. A missing file is an empty
// backlog, not an error; a malformed line fails the whole fetch so nothing
// from that cycle gets marked.
func (s *SpoolSource) Fetch(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spool %s: %w", s.path, err)
	}

	var events []Event
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := parseSpoolLine(line)
		if err != nil {
			return nil, fmt.Errorf("spool %s line %d: %w", s.name, i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseSpoolLine(line []byte) (Event, error) {
	var raw struct {
		ID        string          `json:"id"`
		Timestamp time.Time       `json:"timestamp"`
		Fields    json.RawMessage `json:"fields"`
		Body      string          `json:"body"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}
	if raw.ID == "" {
		return Event{}, fmt.Errorf("event has no id")
	}

	ev := Event{ID: raw.ID, Timestamp: raw.Timestamp, Body: raw.Body}
	if len(raw.Fields) > 0 {
		fields, err := parseOrderedFields(raw.Fields)
		if err != nil {
			return Event{}, fmt.Errorf("fields: %w", err)
		}
		ev.Fields = fields
	}
	return ev, nil
}

// parseOrderedFields walks the JSON object token by token so field order
// survives into the document frontmatter.
func parseOrderedFields(raw json.RawMessage) ([]task.Field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var fields []task.Field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := keyTok.(string)

		valTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var val string
		switch v := valTok.(type) {
		case string:
			val = v
		case json.Number:
			val = v.String()
		case bool:
			val = fmt.Sprintf("%t", v)
		case nil:
			val = ""
		default:
			return nil, fmt.Errorf("field %s: unsupported value %v", key, valTok)
		}
		fields = append(fields, task.Field{Key: key, Value: val})
	}
	return fields, nil
}
