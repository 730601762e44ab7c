package task

import (
	"fmt"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Document layout: a `---` delimited YAML frontmatter header followed by
// free-text body. The header must round-trip losslessly: parsing a document
// this codec wrote and re-encoding it yields byte-identical header bytes.
// Known keys are written in a fixed order, open-ended fields in the order
// they were parsed.

const delimiter = "---\n"

// Reserved frontmatter keys, in canonical encoding order.
const (
	keyID        = "id"
	keyKind      = "kind"
	keyPriority  = "priority"
	keyCreatedAt = "created_at"
	keyUpdatedAt = "updated_at"
	keyDecision  = "decision"
	keySummary   = "summary"
	keyError     = "error"
	keyAction    = "action_type"
)

// Encode serializes a document to its on-disk form.
func Encode(d *Doc) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.ID, err)
	}

	pairs := []Field{
		{keyID, d.ID},
		{keyKind, string(d.Kind)},
		{keyPriority, string(d.Priority)},
		{keyCreatedAt, d.CreatedAt.UTC().Format(time.RFC3339)},
		{keyUpdatedAt, d.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	if d.Decision != "" {
		pairs = append(pairs, Field{keyDecision, d.Decision})
	}
	if d.Summary != "" {
		pairs = append(pairs, Field{keySummary, d.Summary})
	}
	if d.Error != "" {
		pairs = append(pairs, Field{keyError, d.Error})
	}
	if d.ActionType != "" {
		pairs = append(pairs, Field{keyAction, d.ActionType})
		for _, key := range actionParamOrder[ActionType(d.ActionType)] {
			if v, ok := d.ActionParams[key]; ok {
				pairs = append(pairs, Field{Key: key, Value: v})
			}
		}
	}
	pairs = append(pairs, d.Fields...)

	node := &yamlv3.Node{Kind: yamlv3.MappingNode}
	for _, p := range pairs {
		node.Content = append(node.Content,
			&yamlv3.Node{Kind: yamlv3.ScalarNode, Value: p.Key},
			&yamlv3.Node{Kind: yamlv3.ScalarNode, Value: p.Value},
		)
	}

	header, err := yamlv3.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString(delimiter)
	b.Write(header)
	b.WriteString(delimiter)
	b.WriteString(d.Body)
	return []byte(b.String()), nil
}

// Parse reads a document from its on-disk form.
func Parse(data []byte) (*Doc, error) {
	text := string(data)
	if !strings.HasPrefix(text, delimiter) {
		return nil, fmt.Errorf("document has no frontmatter header")
	}
	rest := text[len(delimiter):]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter header")
	}
	header := rest[:end+1]
	body := rest[end+1+len(delimiter):]

	var root yamlv3.Node
	if err := yamlv3.Unmarshal([]byte(header), &root); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if len(root.Content) != 1 || root.Content[0].Kind != yamlv3.MappingNode {
		return nil, fmt.Errorf("frontmatter is not a key/value mapping")
	}
	mapping := root.Content[0]

	d := &Doc{Body: body}
	var actionType string
	actionParams := map[string]string{}
	var extras []Field

	content := mapping.Content
	for i := 0; i+1 < len(content); i += 2 {
		key := content[i].Value
		value := content[i+1].Value

		switch key {
		case keyID:
			d.ID = value
		case keyKind:
			d.Kind = Kind(value)
		case keyPriority:
			d.Priority = Priority(value)
		case keyCreatedAt:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("parse created_at: %w", err)
			}
			d.CreatedAt = t
		case keyUpdatedAt:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("parse updated_at: %w", err)
			}
			d.UpdatedAt = t
		case keyDecision:
			d.Decision = value
		case keySummary:
			d.Summary = value
		case keyError:
			d.Error = value
		case keyAction:
			actionType = value
		default:
			if actionType != "" && isActionParam(ActionType(actionType), key) {
				actionParams[key] = value
			} else {
				extras = append(extras, Field{Key: key, Value: value})
			}
		}
	}

	if actionType != "" {
		d.ActionType = actionType
		d.ActionParams = actionParams
	}
	d.Fields = extras

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func isActionParam(typ ActionType, key string) bool {
	for _, k := range actionParamOrder[typ] {
		if k == key {
			return true
		}
	}
	return false
}
