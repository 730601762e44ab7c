package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/agent"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/audit"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/dedup"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/processor"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/relay"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/watcher"
)

func newTestRoot(t *testing.T) (string, *vault.Vault) {
	t.Helper()
	root := t.TempDir()
	v, err := vault.Open(root)
	require.NoError(t, err)
	require.NoError(t, v.EnsureLayout())
	return root, v
}

func seedSpool(t *testing.T, root, source string, lines ...string) {
	t.Helper()
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "spool", source+".jsonl"), data, 0644))
}

func stageOf(t *testing.T, v *vault.Vault, name string) vault.Stage {
	t.Helper()
	stages, err := v.FindStage(name)
	require.NoError(t, err)
	require.Len(t, stages, 1, "document %s must live in exactly one stage", name)
	return stages[0]
}

func emailConfig() config.Config {
	cfg := config.Config{
		Sources: map[string]config.SourceConfig{
			"email": {Kind: "email", FetchTimeoutSec: 5},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestRunOnce_DryRunPipeline(t *testing.T) {
	root, v := newTestRoot(t)
	seedSpool(t, root, "email",
		`{"id":"msg_001","fields":{"from":"customer@example.com","subject":"invoice"},"body":"please resend"}`)

	err := RunOnce(context.Background(), root, emailConfig(), Options{DryRun: true})
	require.NoError(t, err)

	require.Equal(t, vault.StageDone, stageOf(t, v, "email-msg_001.md"))
	data, err := v.ReadDoc(vault.StageDone, "email-msg_001.md")
	require.NoError(t, err)
	doc, err := task.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, task.DecisionComplete, doc.Decision)

	entries, err := audit.ReadEntries(filepath.Join(root, "logs", "audit.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// A second pass over the same spool backlog must not re-ingest.
	require.NoError(t, RunOnce(context.Background(), root, emailConfig(), Options{DryRun: true}))
	counts, err := v.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[vault.StageDone])
	assert.Equal(t, 0, counts[vault.StageIntake])
}

func TestRunOnce_SkipBacklog(t *testing.T) {
	root, v := newTestRoot(t)
	seedSpool(t, root, "email",
		`{"id":"old_1","body":"stale"}`,
		`{"id":"old_2","body":"stale"}`)

	err := RunOnce(context.Background(), root, emailConfig(), Options{DryRun: true, SkipBacklog: true})
	require.NoError(t, err)

	counts, err := v.Counts()
	require.NoError(t, err)
	for _, s := range vault.Stages {
		assert.Equal(t, 0, counts[s], "stage %s should stay empty", s)
	}

	// The skipped ids are marked: a later normal pass ignores them too.
	require.NoError(t, RunOnce(context.Background(), root, emailConfig(), Options{DryRun: true}))
	counts, err = v.Counts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts[vault.StageDone])
}

func TestFsnotifyDebounceCollapsesBurst(t *testing.T) {
	root, v := newTestRoot(t)
	cfg := emailConfig()
	cfg.Processor.DebounceSec = 0.1

	d, err := newDaemon(root, cfg, Options{}, io.Discard, nil)
	require.NoError(t, err)
	d.ticker.Stop()

	fsw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	require.NoError(t, fsw.Add(v.Dir(vault.StageIntake)))
	d.watcher = fsw

	d.wg.Add(1)
	go d.fsnotifyLoop()
	defer func() {
		d.cancel()
		d.wg.Wait()
		fsw.Close()
	}()

	// A reviewer dragging several documents at once.
	for i := 0; i < 3; i++ {
		name := filepath.Join(v.Dir(vault.StageIntake), fmt.Sprintf("doc-%d.md", i))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0644))
	}

	select {
	case <-d.scanCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no scan trigger after the debounce window")
	}
	select {
	case <-d.scanCh:
		t.Fatal("a burst of events must collapse into one scan trigger")
	case <-time.After(300 * time.Millisecond):
	}
}

type scriptedDecider struct {
	outcome *agent.Outcome
	calls   int
}

func (s *scriptedDecider) Decide(ctx context.Context, doc *task.Doc) (*agent.Outcome, error) {
	s.calls++
	return s.outcome, nil
}

// Walks one payment from the spool through approval to a relay
// confirmation, across every component the daemon wires together.
func TestPaymentLifecycleEndToEnd(t *testing.T) {
	root, v := newTestRoot(t)
	ctx := context.Background()
	seedSpool(t, root, "payments",
		`{"id":"ch_789","fields":{"customer":"Acme GmbH","amount":750},"body":"Charge for June retainer.\n"}`)

	store, err := dedup.Open(root)
	require.NoError(t, err)
	defer store.Close()

	logPath := filepath.Join(root, "logs", "audit.jsonl")
	auditLog, err := audit.New(logPath, 0)
	require.NoError(t, err)
	defer auditLog.Close()

	srcCfg := config.SourceConfig{
		Kind:            "payment",
		IntervalSec:     60,
		FetchTimeoutSec: 5,
		Priority:        config.PriorityRules{AmountField: "amount", AmountThreshold: 500},
	}
	poller := watcher.NewPoller(
		watcher.NewSpoolSource(root, "payments", task.KindPayment),
		v, store, auditLog, srcCfg, nil, config.LogLevelError)
	require.NoError(t, poller.Cycle(ctx))

	const name = "payments-ch_789.md"
	require.Equal(t, vault.StageIntake, stageOf(t, v, name))
	data, err := v.ReadDoc(vault.StageIntake, name)
	require.NoError(t, err)
	doc, err := task.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityHigh, doc.Priority, "amount over the threshold classifies high")

	relaySrv := relay.NewServer(0, nil, config.LogLevelError)
	require.NoError(t, relaySrv.Start())
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		relaySrv.Stop(stopCtx)
	}()
	client, err := relay.NewClient("http://"+relaySrv.Addr(), 2*time.Second)
	require.NoError(t, err)

	decider := &scriptedDecider{outcome: &agent.Outcome{
		Decision: task.DecisionNeedsApproval,
		Summary:  "Confirm the retainer charge with the customer",
		ActionRequest: &agent.OutcomeAction{
			ActionType: "send_email",
			Params: map[string]any{
				"to": "billing@acme.example", "subject": "June retainer", "body": "Your card was charged.",
			},
		},
	}}
	proc := processor.New(v, store, auditLog, decider, client, false, nil, config.LogLevelError)

	require.NoError(t, proc.Scan(ctx))
	require.Equal(t, vault.StageAwaitingApproval, stageOf(t, v, name))
	assert.Equal(t, 0, relaySrv.SendCount(), "nothing executes before approval")

	// Reviewer approves.
	require.NoError(t, v.Move(name, vault.StageAwaitingApproval, vault.StageApproved))
	require.NoError(t, proc.Scan(ctx))

	require.Equal(t, vault.StageDone, stageOf(t, v, name))
	assert.Equal(t, 1, relaySrv.SendCount())
	assert.Equal(t, 1, decider.calls)

	data, err = v.ReadDoc(vault.StageDone, name)
	require.NoError(t, err)
	done, err := task.Parse(data)
	require.NoError(t, err)
	confirmation := done.Field(processor.ConfirmationField)
	require.NotEmpty(t, confirmation)

	entries, err := audit.ReadEntries(logPath)
	require.NoError(t, err)
	confirmed := 0
	for _, e := range entries {
		if e.ConfirmationID == confirmation {
			confirmed++
		}
	}
	assert.Equal(t, 2, confirmed, "execution record plus retirement record")

	// Another poll plus scan is a no-op: the charge id is marked and the
	// action key is ack'd.
	require.NoError(t, poller.Cycle(ctx))
	require.NoError(t, proc.Scan(ctx))
	require.Equal(t, vault.StageDone, stageOf(t, v, name))
	assert.Equal(t, 1, relaySrv.SendCount())
}
