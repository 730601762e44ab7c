package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/dedup"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

type fakeSource struct {
	name    string
	kind    task.Kind
	events  []Event
	err     error
	fetches int
}

func (f *fakeSource) Name() string    { return f.name }
func (f *fakeSource) Kind() task.Kind { return f.kind }
func (f *fakeSource) Fetch(ctx context.Context) ([]Event, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func newTestPoller(t *testing.T, src Source) (*Poller, *vault.Vault, *dedup.Store) {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.EnsureLayout())

	store, err := dedup.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.SourceConfig{Kind: string(src.Kind()), IntervalSec: 60, FetchTimeoutSec: 5}
	return NewPoller(src, v, store, nil, cfg, nil, config.LogLevelError), v, store
}

func TestCycle_LandsNewEvents(t *testing.T) {
	src := &fakeSource{
		name: "email",
		kind: task.KindEmail,
		events: []Event{{
			ID:        "msg_001",
			Timestamp: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			Fields:    []task.Field{{Key: "from", Value: "a@example.com"}},
			Body:      "hello\n",
		}},
	}
	p, v, store := newTestPoller(t, src)

	require.NoError(t, p.Cycle(context.Background()))

	names, err := v.List(vault.StageIntake)
	require.NoError(t, err)
	require.Equal(t, []string{"email-msg_001.md"}, names)

	data, err := v.ReadDoc(vault.StageIntake, "email-msg_001.md")
	require.NoError(t, err)
	doc, err := task.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, task.KindEmail, doc.Kind)
	assert.Equal(t, task.PriorityNormal, doc.Priority)
	assert.Equal(t, "a@example.com", doc.Field("from"))
	assert.Equal(t, "hello\n", doc.Body)

	assert.True(t, store.Seen("email", "msg_001"))
}

func TestCycle_SameBacklogTwiceLandsOnce(t *testing.T) {
	src := &fakeSource{
		name:   "email",
		kind:   task.KindEmail,
		events: []Event{{ID: "msg_001", Body: "x"}},
	}
	p, v, _ := newTestPoller(t, src)

	require.NoError(t, p.Cycle(context.Background()))
	require.NoError(t, p.Cycle(context.Background()))

	names, err := v.List(vault.StageIntake)
	require.NoError(t, err)
	assert.Len(t, names, 1, "an unchanged backlog must not duplicate tasks")
	assert.Equal(t, 2, src.fetches)
}

func TestCycle_SeenEventLandsEvenAfterDocMovesOn(t *testing.T) {
	src := &fakeSource{
		name:   "email",
		kind:   task.KindEmail,
		events: []Event{{ID: "msg_001", Body: "x"}},
	}
	p, v, _ := newTestPoller(t, src)

	require.NoError(t, p.Cycle(context.Background()))
	require.NoError(t, v.Move("email-msg_001.md", vault.StageIntake, vault.StageDone))

	// The id stays seen even though intake no longer holds the document.
	require.NoError(t, p.Cycle(context.Background()))
	names, err := v.List(vault.StageIntake)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCycle_FetchErrorMarksNothing(t *testing.T) {
	src := &fakeSource{name: "email", kind: task.KindEmail, err: fmt.Errorf("imap down")}
	p, v, store := newTestPoller(t, src)

	err := p.Cycle(context.Background())
	assert.Error(t, err)

	names, _ := v.List(vault.StageIntake)
	assert.Empty(t, names)
	assert.False(t, store.Seen("email", "msg_001"))
}

func TestClassify_Keywords(t *testing.T) {
	rules := config.PriorityRules{Keywords: []string{"urgent", "overdue"}}

	ev := Event{Body: "this is URGENT please"}
	assert.Equal(t, task.PriorityHigh, Classify(ev, rules))

	ev = Event{Fields: []task.Field{{Key: "subject", Value: "Invoice overdue"}}}
	assert.Equal(t, task.PriorityHigh, Classify(ev, rules))

	ev = Event{Body: "regular newsletter"}
	assert.Equal(t, task.PriorityNormal, Classify(ev, rules))
}

func TestClassify_AmountThreshold(t *testing.T) {
	rules := config.PriorityRules{AmountField: "amount", AmountThreshold: 1000}

	ev := Event{Fields: []task.Field{{Key: "amount", Value: "2500.00"}}}
	assert.Equal(t, task.PriorityHigh, Classify(ev, rules))

	ev = Event{Fields: []task.Field{{Key: "amount", Value: "999.99"}}}
	assert.Equal(t, task.PriorityNormal, Classify(ev, rules))

	ev = Event{Fields: []task.Field{{Key: "amount", Value: "not a number"}}}
	assert.Equal(t, task.PriorityNormal, Classify(ev, rules))
}

func TestSpoolSource_Fetch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "spool"), 0755))

	lines := `{"id":"msg_001","timestamp":"2025-06-01T09:00:00Z","fields":{"from":"a@example.com","subject":"hi","amount":42},"body":"first"}
{"id":"msg_002","fields":{"from":"b@example.com"},"body":"second"}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "spool", "email.jsonl"), []byte(lines), 0644))

	src := NewSpoolSource(root, "email", task.KindEmail)
	events, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "msg_001", events[0].ID)
	require.Len(t, events[0].Fields, 3)
	assert.Equal(t, task.Field{Key: "from", Value: "a@example.com"}, events[0].Fields[0])
	assert.Equal(t, task.Field{Key: "subject", Value: "hi"}, events[0].Fields[1])
	assert.Equal(t, task.Field{Key: "amount", Value: "42"}, events[0].Fields[2])
	assert.Equal(t, "first", events[0].Body)
}

func TestSpoolSource_MissingFileIsEmpty(t *testing.T) {
	src := NewSpoolSource(t.TempDir(), "email", task.KindEmail)
	events, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSpoolSource_MalformedLineFailsFetch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "spool"), 0755))
	content := "{\"id\":\"ok\"}\nnot json\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "spool", "email.jsonl"), []byte(content), 0644))

	src := NewSpoolSource(root, "email", task.KindEmail)
	_, err := src.Fetch(context.Background())
	assert.Error(t, err, "a corrupt spool must fail whole so nothing gets marked")
}

func TestSpoolSource_MissingIDRejected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "spool"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "spool", "email.jsonl"), []byte("{\"body\":\"x\"}\n"), 0644))

	src := NewSpoolSource(root, "email", task.KindEmail)
	_, err := src.Fetch(context.Background())
	assert.Error(t, err)
}
