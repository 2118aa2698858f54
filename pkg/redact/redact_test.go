package redact

import "testing"

func TestTextRedactsWhenEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	out := Text("call me at +1 (415) 555-0100 or jane@example.com")
	if out != "call me at [REDACTED_PHONE] or [REDACTED_EMAIL]" {
		t.Fatalf("unexpected redaction: %q", out)
	}
}

func TestTextPassThroughWhenDisabled(t *testing.T) {
	SetEnabled(false)
	in := "jane@example.com"
	if Text(in) != in {
		t.Fatalf("expected passthrough")
	}
}

func TestPhoneKeepsLastFour(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Phone("+14155550100"); got != "*******0100" {
		t.Fatalf("unexpected mask: %q", got)
	}
	if got := Phone("12"); got != "**" {
		t.Fatalf("unexpected short mask: %q", got)
	}
}
