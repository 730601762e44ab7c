// Package task defines the task document model, its frontmatter codec, and
// the closed action-request schema.
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind is the type of source event a document represents.
type Kind string

const (
	KindEmail           Kind = "email"
	KindPayment         Kind = "payment"
	KindChat            Kind = "chat"
	KindAlert           Kind = "alert"
	KindApprovalRequest Kind = "approval_request"
)

// Priority is the poller-derived classification.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Decision values the orchestrator attaches after the agent call.
const (
	DecisionComplete      = "complete"
	DecisionNeedsApproval = "needs_approval"
)

// Field is one open-ended source attribute. Order is preserved so a
// document re-encodes exactly as written.
type Field struct {
	Key   string
	Value string
}

// Doc is the unit of work. Its stage is not a field: it is encoded by the
// partition currently holding the document.
type Doc struct {
	ID        string
	Kind      Kind
	Priority  Priority
	CreatedAt time.Time
	UpdatedAt time.Time

	// Set by the orchestrator after the agent call; a non-empty Decision
	// marks the agent response as durably attached.
	Decision string
	Summary  string

	// Error holds the last irrecoverable failure; the document stays in
	// whichever stage it failed.
	Error string

	// ActionType/ActionParams carry the action request as written. They are
	// present iff the document has ever been staged for approval. Kept raw
	// so a document with a bad action still parses and can be error-tagged;
	// Action() applies the strict schema.
	ActionType   string
	ActionParams map[string]string

	Fields []Field
	Body   string
}

// Action validates the attached action request against the closed set.
func (d *Doc) Action() (*ActionRequest, error) {
	if d.ActionType == "" {
		return nil, fmt.Errorf("document %s has no action_request", d.ID)
	}
	params := make(map[string]any, len(d.ActionParams))
	for k, v := range d.ActionParams {
		params[k] = v
	}
	return ParseActionRequest(d.ActionType, params)
}

// SetAction attaches a validated action request.
func (d *Doc) SetAction(a *ActionRequest) {
	d.ActionType = string(a.Type)
	d.ActionParams = a.Params
}

// FileName returns the stable document filename for the task id.
func (d *Doc) FileName() string {
	return d.ID + ".md"
}

// Touch advances UpdatedAt. Timestamps are monotonic per document and
// never move backward.
func (d *Doc) Touch(now time.Time) {
	now = now.UTC().Truncate(time.Second)
	if now.After(d.UpdatedAt) {
		d.UpdatedAt = now
	}
}

// Field returns the value of an open-ended field, or "".
func (d *Doc) Field(key string) string {
	for _, f := range d.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// SetField sets an open-ended field, replacing an existing value in place
// so the frontmatter order is stable across rewrites.
func (d *Doc) SetField(key, value string) {
	for i, f := range d.Fields {
		if f.Key == key {
			d.Fields[i].Value = value
			return
		}
	}
	d.Fields = append(d.Fields, Field{Key: key, Value: value})
}

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SourceID builds the stable, source-namespaced document id. The source
// prefix keeps native ids from colliding across sources.
func SourceID(source, nativeID string) string {
	clean := idSanitizer.ReplaceAllString(nativeID, "_")
	clean = strings.Trim(clean, "_")
	return fmt.Sprintf("%s-%s", source, clean)
}

// Validate checks the structural invariants of a document.
func (d *Doc) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document has no id")
	}
	switch d.Kind {
	case KindEmail, KindPayment, KindChat, KindAlert, KindApprovalRequest:
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	switch d.Priority {
	case PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", d.Priority)
	}
	if d.Decision != "" && d.Decision != DecisionComplete && d.Decision != DecisionNeedsApproval {
		return fmt.Errorf("unknown decision %q", d.Decision)
	}
	if d.Decision == DecisionNeedsApproval && d.ActionType == "" {
		return fmt.Errorf("decision %s without action_request", DecisionNeedsApproval)
	}
	return nil
}
