// Package processor drives the task lifecycle: it claims intake documents,
// attaches agent outcomes, executes approved actions exactly once, and
// acknowledges rejections. Every mutation is a durable file operation so a
// crash at any point leaves the vault recoverable.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/agent"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/audit"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/dedup"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

// ConfirmationField is the frontmatter key holding the executor receipt.
const ConfirmationField = "confirmation_id"

// Decider produces an outcome for one claimed document.
type Decider interface {
	Decide(ctx context.Context, doc *task.Doc) (*agent.Outcome, error)
}

// ActionExecutor performs one approved action. Implementations must be
// idempotent on the key: replaying a key returns the original confirmation
// without repeating the side effect.
type ActionExecutor interface {
	Execute(ctx context.Context, idemKey string, req *task.ActionRequest) (string, error)
}

// Processor runs lifecycle scans over one vault.
type Processor struct {
	vault    *vault.Vault
	store    *dedup.Store
	auditLog *audit.Logger
	decider  Decider
	executor ActionExecutor

	dryRun bool
	now    func() time.Time
	notify func(title, message string) error

	logger *log.Logger
	level  config.LogLevel
}

// New builds a processor. In dry-run mode the executor is never called and
// a synthetic confirmation is attached instead.
func New(v *vault.Vault, store *dedup.Store, auditLog *audit.Logger, decider Decider, executor ActionExecutor, dryRun bool, logger *log.Logger, level config.LogLevel) *Processor {
	return &Processor{
		vault:    v,
		store:    store,
		auditLog: auditLog,
		decider:  decider,
		executor: executor,
		dryRun:   dryRun,
		now:      time.Now,
		logger:   logger,
		level:    level,
	}
}

// Scan runs one full pass: recovery, intake, approved, rejected. Per-document
// failures are logged and tagged on the document; only a cancelled context
// aborts the pass.
func (p *Processor) Scan(ctx context.Context) error {
	for _, step := range []func(context.Context) error{
		p.recoverInProgress,
		p.processIntake,
		p.processApproved,
		p.processRejected,
	} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// recoverInProgress re-routes documents whose outcome was durably attached
// before a crash. The agent is never re-invoked here: a non-empty decision
// means the call already happened.
func (p *Processor) recoverInProgress(ctx context.Context) error {
	names, err := p.vault.List(vault.StageInProgress)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := p.readDoc(vault.StageInProgress, name)
		if err != nil {
			p.log(config.LogLevelWarn, "unreadable doc=%s stage=%s error=%v", name, vault.StageInProgress, err)
			continue
		}
		if doc.Decision == "" {
			continue
		}
		p.log(config.LogLevelInfo, "recover doc=%s decision=%s", doc.ID, doc.Decision)
		p.route(doc, "recovered after restart")
	}
	return nil
}

// processIntake claims each intake document and runs the agent on it. Also
// picks up in_progress documents that have neither a decision nor an error:
// those were claimed by a run that died mid-call.
func (p *Processor) processIntake(ctx context.Context) error {
	names, err := p.vault.List(vault.StageIntake)
	if err != nil {
		return err
	}
	// The agent runs at most once per document per pass: a decided
	// document whose outcome write failed must wait for the next scan,
	// not get a second call from the stale sweep below.
	invoked := make(map[string]bool)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.vault.Move(name, vault.StageIntake, vault.StageInProgress); err != nil {
			if errors.Is(err, vault.ErrAlreadyClaimed) {
				p.log(config.LogLevelDebug, "claim_lost doc=%s", name)
				continue
			}
			p.log(config.LogLevelError, "claim_failed doc=%s error=%v", name, err)
			continue
		}
		p.record(audit.Entry{
			DocID:     docID(name),
			FromStage: vault.StageIntake,
			ToStage:   vault.StageInProgress,
			Reason:    "claimed for processing",
		})
		invoked[name] = true
		p.decide(ctx, name)
	}

	stale, err := p.vault.List(vault.StageInProgress)
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if invoked[name] {
			continue
		}
		doc, err := p.readDoc(vault.StageInProgress, name)
		if err != nil || doc.Decision != "" || doc.Error != "" {
			continue
		}
		p.log(config.LogLevelInfo, "retry_claimed doc=%s", doc.ID)
		p.decide(ctx, name)
	}
	return nil
}

// decide runs the agent on an in_progress document, durably attaches the
// outcome, then routes by decision.
func (p *Processor) decide(ctx context.Context, name string) {
	doc, err := p.readDoc(vault.StageInProgress, name)
	if err != nil {
		p.log(config.LogLevelError, "unreadable doc=%s stage=%s error=%v", name, vault.StageInProgress, err)
		return
	}
	if doc.Error != "" {
		return
	}

	outcome, err := p.decider.Decide(ctx, doc)
	if err != nil {
		p.log(config.LogLevelError, "agent_failed doc=%s error=%v", doc.ID, err)
		p.tagError(vault.StageInProgress, doc, fmt.Sprintf("agent failed: %v", err))
		return
	}

	doc.Decision = outcome.Decision
	doc.Summary = outcome.Summary
	if outcome.Decision == task.DecisionNeedsApproval {
		req, err := task.ParseActionRequest(outcome.ActionRequest.ActionType, outcome.ActionRequest.Params)
		if err != nil {
			p.log(config.LogLevelError, "bad_action doc=%s error=%v", doc.ID, err)
			doc.Decision = ""
			p.tagError(vault.StageInProgress, doc, fmt.Sprintf("invalid action_request: %v", err))
			return
		}
		doc.SetAction(req)
	}

	// The outcome must be on disk before the document leaves in_progress;
	// recovery depends on finding it there.
	if err := p.writeDoc(vault.StageInProgress, doc); err != nil {
		p.log(config.LogLevelError, "attach_failed doc=%s error=%v", doc.ID, err)
		return
	}
	p.route(doc, "agent decision")
}

// SetNotifier wires an optional desktop notifier for approval prompts.
func (p *Processor) SetNotifier(f func(title, message string) error) {
	p.notify = f
}

// route relocates a decided document out of in_progress.
func (p *Processor) route(doc *task.Doc, reason string) {
	var to vault.Stage
	switch doc.Decision {
	case task.DecisionComplete:
		to = vault.StageDone
	case task.DecisionNeedsApproval:
		to = vault.StageAwaitingApproval
	default:
		p.log(config.LogLevelError, "unroutable doc=%s decision=%q", doc.ID, doc.Decision)
		return
	}

	if err := p.vault.Move(doc.FileName(), vault.StageInProgress, to); err != nil {
		if errors.Is(err, vault.ErrAlreadyClaimed) {
			return
		}
		p.log(config.LogLevelError, "route_failed doc=%s to=%s error=%v", doc.ID, to, err)
		return
	}
	p.record(audit.Entry{
		DocID:      doc.ID,
		FromStage:  vault.StageInProgress,
		ToStage:    to,
		Reason:     reason,
		ActionType: doc.ActionType,
	})
	p.log(config.LogLevelInfo, "routed doc=%s to=%s reason=%q", doc.ID, to, reason)

	if to == vault.StageAwaitingApproval && p.notify != nil {
		if err := p.notify("Approval needed", fmt.Sprintf("%s proposes %s", doc.ID, doc.ActionType)); err != nil {
			p.log(config.LogLevelDebug, "notify_failed doc=%s error=%v", doc.ID, err)
		}
	}
}

// processApproved executes each reviewer-approved action and retires the
// document to done. The executor idempotency key is the document id, so a
// crash-retry replays the original confirmation instead of acting twice.
func (p *Processor) processApproved(ctx context.Context) error {
	names, err := p.vault.List(vault.StageApproved)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := p.readDoc(vault.StageApproved, name)
		if err != nil {
			p.log(config.LogLevelWarn, "unreadable doc=%s stage=%s error=%v", name, vault.StageApproved, err)
			continue
		}
		if doc.Error != "" {
			continue
		}
		p.executeApproved(ctx, doc)
	}
	return nil
}

func (p *Processor) executeApproved(ctx context.Context, doc *task.Doc) {
	if p.store.Seen(dedup.SourceApprovedAck, doc.ID) {
		// Executed on a previous run that died before retiring the document.
		p.finishApproved(doc, doc.Field(ConfirmationField))
		return
	}

	req, err := doc.Action()
	if err != nil {
		p.log(config.LogLevelError, "bad_action doc=%s error=%v", doc.ID, err)
		p.record(audit.Entry{
			DocID:     doc.ID,
			FromStage: vault.StageApproved,
			Reason:    fmt.Sprintf("action rejected: %v", err),
		})
		p.tagError(vault.StageApproved, doc, fmt.Sprintf("invalid action_request: %v", err))
		return
	}

	var confirmation string
	if p.dryRun {
		confirmation = "dry-run-" + doc.ID
		p.log(config.LogLevelInfo, "dry_run doc=%s action=%s", doc.ID, req.Type)
	} else {
		confirmation, err = p.executor.Execute(ctx, doc.ID, req)
		if err != nil {
			p.log(config.LogLevelError, "execute_failed doc=%s action=%s error=%v", doc.ID, req.Type, err)
			p.record(audit.Entry{
				DocID:      doc.ID,
				FromStage:  vault.StageApproved,
				Reason:     fmt.Sprintf("action failed: %v", err),
				ActionType: string(req.Type),
			})
			p.tagError(vault.StageApproved, doc, fmt.Sprintf("action failed: %v", err))
			return
		}
	}

	doc.SetField(ConfirmationField, confirmation)
	doc.Touch(p.now())
	if err := p.writeDoc(vault.StageApproved, doc); err != nil {
		p.log(config.LogLevelError, "confirmation_write_failed doc=%s error=%v", doc.ID, err)
		return
	}
	p.record(audit.Entry{
		DocID:          doc.ID,
		Reason:         "action executed",
		ActionType:     string(req.Type),
		ConfirmationID: confirmation,
	})
	if err := p.store.Mark(dedup.SourceApprovedAck, doc.ID); err != nil {
		p.log(config.LogLevelError, "ack_failed doc=%s error=%v", doc.ID, err)
		return
	}
	p.finishApproved(doc, confirmation)
}

func (p *Processor) finishApproved(doc *task.Doc, confirmation string) {
	if err := p.vault.Move(doc.FileName(), vault.StageApproved, vault.StageDone); err != nil {
		if !errors.Is(err, vault.ErrAlreadyClaimed) {
			p.log(config.LogLevelError, "retire_failed doc=%s error=%v", doc.ID, err)
		}
		return
	}
	p.record(audit.Entry{
		DocID:          doc.ID,
		FromStage:      vault.StageApproved,
		ToStage:        vault.StageDone,
		Reason:         "action executed",
		ActionType:     doc.ActionType,
		ConfirmationID: confirmation,
	})
	p.log(config.LogLevelInfo, "done doc=%s confirmation=%s", doc.ID, confirmation)
}

// processRejected acknowledges reviewer rejections. Rejected documents are
// terminal where they sit: they are never relocated and never rewritten,
// only recorded once in the audit log.
func (p *Processor) processRejected(ctx context.Context) error {
	names, err := p.vault.List(vault.StageRejected)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := docID(name)
		if p.store.Seen(dedup.SourceRejectedAck, id) {
			continue
		}
		// Record first: a crash between the two repeats the record on the
		// next scan but never loses it.
		p.record(audit.Entry{
			DocID:     id,
			FromStage: vault.StageAwaitingApproval,
			ToStage:   vault.StageRejected,
			Reason:    "rejected by reviewer",
		})
		if err := p.store.Mark(dedup.SourceRejectedAck, id); err != nil {
			p.log(config.LogLevelError, "ack_failed doc=%s error=%v", id, err)
			continue
		}
		p.log(config.LogLevelInfo, "rejected doc=%s", id)
	}
	return nil
}

// tagError writes the failure onto the document without relocating it.
func (p *Processor) tagError(stage vault.Stage, doc *task.Doc, msg string) {
	doc.Error = msg
	doc.Touch(p.now())
	if err := p.writeDoc(stage, doc); err != nil {
		p.log(config.LogLevelError, "tag_failed doc=%s stage=%s error=%v", doc.ID, stage, err)
	}
}

func (p *Processor) readDoc(stage vault.Stage, name string) (*task.Doc, error) {
	data, err := p.vault.ReadDoc(stage, name)
	if err != nil {
		return nil, err
	}
	return task.Parse(data)
}

func (p *Processor) writeDoc(stage vault.Stage, doc *task.Doc) error {
	doc.Touch(p.now())
	data, err := task.Encode(doc)
	if err != nil {
		return err
	}
	return p.vault.WriteDoc(stage, doc.FileName(), data)
}

func (p *Processor) record(e audit.Entry) {
	if p.auditLog == nil {
		return
	}
	if err := p.auditLog.Record(e); err != nil {
		p.log(config.LogLevelError, "audit_failed doc=%s error=%v", e.DocID, err)
	}
}

func docID(name string) string {
	return strings.TrimSuffix(name, ".md")
}

func (p *Processor) log(level config.LogLevel, format string, args ...any) {
	if p.logger == nil || level < p.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s processor: %s", time.Now().Format(time.RFC3339), level, msg)
}
