// Package watcher polls external sources and lands new events in the
// intake stage. Dedup is marked before the document is written: a crash in
// between drops the event but can never duplicate it.
package watcher

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/audit"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/dedup"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
)

// Event is one item fetched from a source, before classification.
type Event struct {
	// ID is the source-native identifier; it is namespaced with the source
	// name before use.
	ID        string
	Timestamp time.Time
	Fields    []task.Field
	Body      string
}

// Source fetches pending events from one external system. Fetch must be
// safe to call repeatedly with the same backlog: the poller filters
// already-seen ids.
type Source interface {
	Name() string
	Kind() task.Kind
	Fetch(ctx context.Context) ([]Event, error)
}

// Poller drives one source on its configured interval.
type Poller struct {
	source   Source
	vault    *vault.Vault
	store    *dedup.Store
	auditLog *audit.Logger
	rules    config.PriorityRules

	interval     time.Duration
	fetchTimeout time.Duration

	logger *log.Logger
	level  config.LogLevel
}

// NewPoller wires a source to the vault intake stage.
func NewPoller(src Source, v *vault.Vault, store *dedup.Store, auditLog *audit.Logger, cfg config.SourceConfig, logger *log.Logger, level config.LogLevel) *Poller {
	return &Poller{
		source:       src,
		vault:        v,
		store:        store,
		auditLog:     auditLog,
		rules:        cfg.Priority,
		interval:     time.Duration(cfg.IntervalSec) * time.Second,
		fetchTimeout: time.Duration(cfg.FetchTimeoutSec) * time.Second,
		logger:       logger,
		level:        level,
	}
}

// Run polls until the context is cancelled. The first cycle fires
// immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log(config.LogLevelInfo, "poller_start source=%s interval=%s", p.source.Name(), p.interval)
	for {
		if err := p.Cycle(ctx); err != nil {
			p.log(config.LogLevelWarn, "cycle_failed source=%s error=%v", p.source.Name(), err)
		}
		select {
		case <-ctx.Done():
			p.log(config.LogLevelInfo, "poller_stop source=%s", p.source.Name())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle fetches once and lands every unseen event in intake. A fetch error
// aborts the cycle before anything is marked, so the backlog is retried
// whole on the next tick.
func (p *Poller) Cycle(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	events, err := p.source.Fetch(fetchCtx)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p.source.Name(), err)
	}

	landed := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.store.Seen(p.source.Name(), ev.ID) {
			continue
		}
		if err := p.land(ev); err != nil {
			return err
		}
		landed++
	}
	if landed > 0 {
		p.log(config.LogLevelInfo, "cycle_done source=%s fetched=%d landed=%d", p.source.Name(), len(events), landed)
	}
	return nil
}

// land marks the event processed, then writes the intake document. The
// order is deliberate: a duplicate task could trigger a real-world side
// effect twice, a dropped one only costs a loudly logged gap.
func (p *Poller) land(ev Event) error {
	doc := p.buildDoc(ev)

	data, err := task.Encode(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.ID, err)
	}

	if err := p.store.Mark(p.source.Name(), ev.ID); err != nil {
		return fmt.Errorf("mark %s/%s: %w", p.source.Name(), ev.ID, err)
	}

	if err := p.vault.WriteDoc(vault.StageIntake, doc.FileName(), data); err != nil {
		// The id is already marked: this event is gone for good.
		p.log(config.LogLevelError, "event_dropped source=%s id=%s error=%v", p.source.Name(), ev.ID, err)
		return fmt.Errorf("write intake doc %s: %w", doc.ID, err)
	}

	if p.auditLog != nil {
		if err := p.auditLog.Record(audit.Entry{
			DocID:   doc.ID,
			ToStage: vault.StageIntake,
			Reason:  "new event from " + p.source.Name(),
		}); err != nil {
			p.log(config.LogLevelWarn, "audit_failed doc=%s error=%v", doc.ID, err)
		}
	}

	p.log(config.LogLevelInfo, "task_created doc=%s priority=%s", doc.ID, doc.Priority)
	return nil
}

func (p *Poller) buildDoc(ev Event) *task.Doc {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC().Truncate(time.Second)

	doc := &task.Doc{
		ID:        task.SourceID(p.source.Name(), ev.ID),
		Kind:      p.source.Kind(),
		Priority:  Classify(ev, p.rules),
		CreatedAt: ts,
		UpdatedAt: ts,
		Fields:    ev.Fields,
		Body:      ev.Body,
	}
	return doc
}

// Classify applies the configured priority rules to one event. Keyword
// matches are case-insensitive over every field value and the body; the
// amount rule fires when the named field parses as a number at or above
// the threshold.
func Classify(ev Event, rules config.PriorityRules) task.Priority {
	if rules.AmountField != "" {
		for _, f := range ev.Fields {
			if f.Key != rules.AmountField {
				continue
			}
			if amount, err := strconv.ParseFloat(strings.TrimSpace(f.Value), 64); err == nil && amount >= rules.AmountThreshold {
				return task.PriorityHigh
			}
		}
	}
	if len(rules.Keywords) > 0 {
		haystack := strings.ToLower(ev.Body)
		for _, f := range ev.Fields {
			haystack += "\n" + strings.ToLower(f.Value)
		}
		for _, kw := range rules.Keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				return task.PriorityHigh
			}
		}
	}
	return task.PriorityNormal
}

func (p *Poller) log(level config.LogLevel, format string, args ...any) {
	if p.logger == nil || level < p.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s watcher: %s", time.Now().Format(time.RFC3339), level, msg)
}
