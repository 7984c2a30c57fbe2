package triage

import (
	"strings"
	"testing"
)

func TestIsEmergencyKeywords(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"I have chest pain since this morning", true},
		{"CHEST PAIN and sweating", true},
		{"my friend is feeling suicidal", true},
		{"shortness of breath when climbing stairs", true},
		{"severe bleeding from a cut", true},
		{"I have a mild headache", false},
		{"what should I eat for breakfast", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsEmergency(tc.message); got != tc.want {
			t.Errorf("IsEmergency(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestAppendNotice(t *testing.T) {
	out := AppendNotice("Rest and drink fluids.")
	if !strings.HasPrefix(out, "Rest and drink fluids.") {
		t.Fatalf("reply body lost: %q", out)
	}
	if !strings.Contains(out, EmergencyNotice) {
		t.Fatalf("notice missing: %q", out)
	}
}

func TestAppendNoticeIdempotent(t *testing.T) {
	once := AppendNotice("see a doctor")
	twice := AppendNotice(once)
	if once != twice {
		t.Fatalf("notice duplicated: %q", twice)
	}
}

func TestAppendNoticeEmptyReply(t *testing.T) {
	if got := AppendNotice(""); got != EmergencyNotice {
		t.Fatalf("AppendNotice(\"\") = %q, want bare notice", got)
	}
}
