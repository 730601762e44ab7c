package task

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ActionType identifies one side-effecting operation. The set is closed:
// unknown types are rejected at parse time, never at execution time.
type ActionType string

const (
	ActionSendEmail    ActionType = "send_email"
	ActionPostLinkedIn ActionType = "post_linkedin"
	ActionPostTwitter  ActionType = "post_twitter"
)

// ErrUnknownAction reports an action_type outside the closed set.
var ErrUnknownAction = errors.New("unknown action_type")

// ActionRequest is the validated description of exactly one side effect to
// perform if the document is approved.
type ActionRequest struct {
	Type   ActionType
	Params map[string]string
}

// actionParamOrder fixes the frontmatter key order per type so encoding is
// deterministic.
var actionParamOrder = map[ActionType][]string{
	ActionSendEmail:    {"to", "subject", "body", "thread_id"},
	ActionPostLinkedIn: {"text"},
	ActionPostTwitter:  {"text"},
}

const sendEmailSchema = `{
	"type": "object",
	"required": ["to", "subject", "body"],
	"additionalProperties": false,
	"properties": {
		"to":        {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
		"subject":   {"type": "string", "minLength": 1},
		"body":      {"type": "string", "minLength": 1},
		"thread_id": {"type": "string"}
	}
}`

const postTextSchema = `{
	"type": "object",
	"required": ["text"],
	"additionalProperties": false,
	"properties": {
		"text": {"type": "string", "minLength": 1}
	}
}`

var (
	schemaOnce    sync.Once
	schemaErr     error
	actionSchemas map[ActionType]*jsonschema.Schema
)

func compileSchemas() {
	raw := map[ActionType]string{
		ActionSendEmail:    sendEmailSchema,
		ActionPostLinkedIn: postTextSchema,
		ActionPostTwitter:  postTextSchema,
	}

	actionSchemas = make(map[ActionType]*jsonschema.Schema, len(raw))
	c := jsonschema.NewCompiler()
	for typ, src := range raw {
		name := string(typ) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema %s: %w", name, err)
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource %s: %w", name, err)
			return
		}
		schema, err := c.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		actionSchemas[typ] = schema
	}
}

// ParseActionRequest validates a raw action_type + parameter mapping against
// the closed set and the per-type schema.
func ParseActionRequest(actionType string, params map[string]any) (*ActionRequest, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}

	typ := ActionType(actionType)
	schema, ok := actionSchemas[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(params); err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", actionType, err)
	}

	out := make(map[string]string, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("invalid %s parameters: %s is not a string", actionType, k)
		}
		out[k] = s
	}
	return &ActionRequest{Type: typ, Params: out}, nil
}
