package notify

import (
	"strings"
	"testing"
)

func TestEscapeAppleScript(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Approval needed", "Approval needed"},
		{"quoted action", `email-msg_001 proposes "send_email"`, `email-msg_001 proposes \"send_email\"`},
		{"backslash", `C:\invoices\june`, `C:\\invoices\\june`},
		{"both", `"\`, `\"\\`},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := escapeAppleScript(tc.in); got != tc.want {
				t.Errorf("escapeAppleScript(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// Send shells out to osascript; off macOS (or on a headless machine) it
// fails, and the orchestrator only debug-logs that. Here we just pin down
// that hostile prompt text cannot break out of the script string or panic.
func TestSend_HostilePromptText(t *testing.T) {
	err := Send(`Approval needed`, `payment-ch_789 proposes "send_email" to "ops@example.com"\now`)
	if err != nil && !strings.Contains(err.Error(), "osascript") {
		t.Errorf("unexpected error shape: %v", err)
	}
}
