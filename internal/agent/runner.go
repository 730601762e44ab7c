// Package agent invokes the external decision agent and validates its
// structured outcome. The agent is a black box: it never writes the
// document store itself; the orchestrator parses the outcome and performs
// every mutation.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
)

// Outcome is the validated agent response.
type Outcome struct {
	Decision      string         `json:"decision"`
	Summary       string         `json:"summary,omitempty"`
	ActionRequest *OutcomeAction `json:"action_request,omitempty"`
}

// OutcomeAction is the raw action request as the agent produced it; the
// orchestrator validates it against the closed action set before use.
type OutcomeAction struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
}

// ErrTimeout marks an agent call abandoned at its deadline.
var ErrTimeout = errors.New("agent call timed out")

// ErrBadOutcome marks agent output that failed schema validation.
var ErrBadOutcome = errors.New("malformed agent outcome")

const outcomeSchema = `{
	"type": "object",
	"required": ["decision"],
	"properties": {
		"decision": {"enum": ["complete", "needs_approval"]},
		"summary":  {"type": "string"},
		"action_request": {
			"type": "object",
			"required": ["action_type"],
			"properties": {
				"action_type": {"type": "string", "minLength": 1},
				"params":      {"type": "object"}
			}
		}
	}
}`

var (
	outcomeOnce     sync.Once
	outcomeErr      error
	compiledOutcome *jsonschema.Schema
)

func compileOutcomeSchema() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outcomeSchema))
	if err != nil {
		outcomeErr = fmt.Errorf("unmarshal outcome schema: %w", err)
		return
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("outcome.json", doc); err != nil {
		outcomeErr = fmt.Errorf("add outcome schema: %w", err)
		return
	}
	compiledOutcome, outcomeErr = c.Compile("outcome.json")
}

// Runner executes the agent subprocess per task.
type Runner struct {
	vaultRoot  string
	command    string
	args       []string
	timeout    time.Duration
	policyDocs []string
	dryRun     bool
	logger     *log.Logger
	level      config.LogLevel
}

// NewRunner builds a runner from the agent configuration.
func NewRunner(vaultRoot string, cfg config.AgentConfig, dryRun bool, logger *log.Logger, level config.LogLevel) *Runner {
	return &Runner{
		vaultRoot:  vaultRoot,
		command:    cfg.Command,
		args:       cfg.Args,
		timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
		policyDocs: cfg.PolicyDocs,
		dryRun:     dryRun,
		logger:     logger,
		level:      level,
	}
}

// Decide runs the agent on one document and returns its validated outcome.
// In dry-run mode nothing is spawned and a completion outcome is returned.
func (r *Runner) Decide(ctx context.Context, doc *task.Doc) (*Outcome, error) {
	if r.dryRun {
		r.log(config.LogLevelInfo, "dry_run doc=%s decision=complete", doc.ID)
		return &Outcome{Decision: task.DecisionComplete, Summary: "dry run"}, nil
	}

	prompt := r.buildPrompt(doc)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, r.args...), "-p", prompt)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.vaultRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log(config.LogLevelInfo, "agent_invoke doc=%s command=%s", doc.ID, r.command)
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s (doc %s)", ErrTimeout, r.timeout, doc.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("agent exec (doc %s): %w: %s", doc.ID, err, firstLine(stderr.String()))
	}

	return ParseOutcome(stdout.Bytes())
}

// ParseOutcome extracts and validates the JSON outcome from agent output.
func ParseOutcome(output []byte) (*Outcome, error) {
	outcomeOnce.Do(compileOutcomeSchema)
	if outcomeErr != nil {
		return nil, outcomeErr
	}

	jsonStr := extractJSON(string(output))
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrBadOutcome)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutcome, err)
	}
	if err := compiledOutcome.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutcome, err)
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(jsonStr), &outcome); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutcome, err)
	}
	if outcome.Decision == task.DecisionNeedsApproval && outcome.ActionRequest == nil {
		return nil, fmt.Errorf("%w: needs_approval without action_request", ErrBadOutcome)
	}
	return &outcome, nil
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func (r *Runner) buildPrompt(doc *task.Doc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New task %s (kind: %s, priority: %s).\n\n", doc.ID, doc.Kind, doc.Priority)
	b.WriteString("Task document:\n")
	for _, f := range doc.Fields {
		fmt.Fprintf(&b, "  %s: %s\n", f.Key, f.Value)
	}
	if doc.Body != "" {
		b.WriteString("\n")
		b.WriteString(doc.Body)
		b.WriteString("\n")
	}

	for _, name := range r.policyDocs {
		data, err := os.ReadFile(filepath.Join(r.vaultRoot, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\nPolicy document %s:\n%s\n", name, data)
	}

	b.WriteString("\nDecide how to handle this task. Respond with a single JSON object:\n")
	b.WriteString(`{"decision": "complete"|"needs_approval", "summary": "...", ` +
		`"action_request": {"action_type": "send_email", "params": {"to": "...", "subject": "...", "body": "..."}}}` + "\n")
	b.WriteString("Include action_request only when the task needs an approved side effect.\n")
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (r *Runner) log(level config.LogLevel, format string, args ...any) {
	if r.logger == nil || level < r.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s agent: %s", time.Now().Format(time.RFC3339), level, msg)
}
