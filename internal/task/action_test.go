package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionRequest_SendEmail(t *testing.T) {
	req, err := ParseActionRequest("send_email", map[string]any{
		"to":      "a@example.com",
		"subject": "hello",
		"body":    "world",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSendEmail, req.Type)
	assert.Equal(t, "a@example.com", req.Params["to"])
}

func TestParseActionRequest_UnknownType(t *testing.T) {
	_, err := ParseActionRequest("make_payment", map[string]any{"amount": "500"})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestParseActionRequest_MissingRequired(t *testing.T) {
	_, err := ParseActionRequest("send_email", map[string]any{"to": "a@example.com"})
	assert.Error(t, err)
}

func TestParseActionRequest_BadEmail(t *testing.T) {
	_, err := ParseActionRequest("send_email", map[string]any{
		"to":      "not an address",
		"subject": "s",
		"body":    "b",
	})
	assert.Error(t, err)
}

func TestParseActionRequest_RejectsExtraParams(t *testing.T) {
	_, err := ParseActionRequest("post_twitter", map[string]any{
		"text":     "hi",
		"schedule": "tomorrow",
	})
	assert.Error(t, err)
}

func TestParseActionRequest_PostText(t *testing.T) {
	for _, typ := range []string{"post_linkedin", "post_twitter"} {
		req, err := ParseActionRequest(typ, map[string]any{"text": "launch day"})
		require.NoError(t, err, typ)
		assert.Equal(t, "launch day", req.Params["text"])

		_, err = ParseActionRequest(typ, map[string]any{"text": ""})
		assert.Error(t, err, "%s with empty text", typ)
	}
}

func TestDocAction_Validates(t *testing.T) {
	doc := &Doc{
		ID:         "email-1",
		ActionType: string(ActionSendEmail),
		ActionParams: map[string]string{
			"to": "a@example.com", "subject": "s", "body": "b",
		},
	}
	req, err := doc.Action()
	require.NoError(t, err)
	assert.Equal(t, ActionSendEmail, req.Type)

	doc.ActionType = ""
	_, err = doc.Action()
	assert.Error(t, err)
}
